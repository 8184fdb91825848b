package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/security"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestBus(t *testing.T) (*Bus, *mocks.MessageRepositoryMock, *mocks.DocumentRepositoryMock) {
	t.Helper()
	cipher, err := security.NewCipher(testKeyHex)
	require.NoError(t, err)
	messages := new(mocks.MessageRepositoryMock)
	documents := new(mocks.DocumentRepositoryMock)
	return NewBus("postgres://unused", cipher, messages, documents, 5*time.Second), messages, documents
}

func messagePayload(t *testing.T, kind string, msg models.Message) string {
	t.Helper()
	record, err := json.Marshal(msg)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]json.RawMessage{
		"kind":   json.RawMessage(`"` + kind + `"`),
		"table":  json.RawMessage(`"messages"`),
		"record": record,
	})
	require.NoError(t, err)
	return string(payload)
}

func TestDispatchDeliversDecryptedMessage(t *testing.T) {
	bus, messages, _ := newTestBus(t)
	cipher, err := security.NewCipher(testKeyHex)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt("the filing went out today")
	require.NoError(t, err)

	stored := models.Message{ID: "m1", ThreadID: "t1", Content: sealed}
	messages.On("GetMessage", mock.Anything, "m1").Return(stored, nil)

	var got []Event
	unsubscribe := bus.Subscribe(func(e Event) { got = append(got, e) })
	defer unsubscribe()

	bus.dispatch(messagePayload(t, "insert", stored))

	require.Len(t, got, 1)
	assert.Equal(t, "insert", got[0].Kind)
	assert.Equal(t, "messages", got[0].Table)
	require.NotNil(t, got[0].Message)
	assert.Equal(t, "the filing went out today", got[0].Message.Content)
	messages.AssertExpectations(t)
}

func TestDispatchInsertCarriesAttachments(t *testing.T) {
	bus, messages, _ := newTestBus(t)

	// The change payload sees the bare row; the attachment records only
	// exist once the stored message is read back.
	row := models.Message{ID: "m1", ThreadID: "t1", Content: "hello"}
	full := row
	full.Attachments = []models.Attachment{{ID: "a1", Filename: "engagement-letter.pdf"}}
	messages.On("GetMessage", mock.Anything, "m1").Return(full, nil)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(messagePayload(t, "insert", row))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Message)
	require.Len(t, got[0].Message.Attachments, 1)
	assert.Equal(t, "engagement-letter.pdf", got[0].Message.Attachments[0].Filename)
}

func TestDispatchResolvesIDOnlyMessagePayload(t *testing.T) {
	bus, messages, _ := newTestBus(t)

	full := models.Message{ID: "m1", ThreadID: "t1", Content: "short note"}
	messages.On("GetMessage", mock.Anything, "m1").Return(full, nil)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	// Oversized rows arrive trimmed to the id alone.
	bus.dispatch(`{"kind":"update","table":"messages","record":{"id":"m1"}}`)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Message)
	assert.Equal(t, "t1", got[0].Message.ThreadID)
	assert.Equal(t, "short note", got[0].Message.Content)
}

func TestDispatchDropsIDOnlyPayloadWhenResolveFails(t *testing.T) {
	bus, messages, _ := newTestBus(t)
	messages.On("GetMessage", mock.Anything, "m1").Return(models.Message{}, errors.New("gone"))

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(`{"kind":"insert","table":"messages","record":{"id":"m1"}}`)
	assert.Empty(t, got)
}

func TestDispatchUpdateUsesRowPayload(t *testing.T) {
	bus, messages, _ := newTestBus(t)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(messagePayload(t, "update", models.Message{ID: "m1", ThreadID: "t1", Content: "hi", IsRead: true}))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Message)
	assert.True(t, got[0].Message.IsRead)
	messages.AssertNotCalled(t, "GetMessage", mock.Anything, mock.Anything)
}

func TestDispatchKeepsStoredContentOnDecryptFailure(t *testing.T) {
	bus, messages, _ := newTestBus(t)
	stored := models.Message{ID: "m1", ThreadID: "t1", Content: "gcm:garbage"}
	messages.On("GetMessage", mock.Anything, "m1").Return(stored, nil)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(messagePayload(t, "insert", stored))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Message)
	assert.Equal(t, "gcm:garbage", got[0].Message.Content)
}

func TestDispatchDeliversDocuments(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(`{"kind":"insert","table":"documents","record":{"id":"d1","case_id":"c9","name":"brief.pdf"}}`)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Document)
	assert.Equal(t, "d1", got[0].Document.ID)
	assert.Equal(t, "c9", got[0].Document.CaseID)
}

func TestDispatchResolvesIDOnlyDocumentPayload(t *testing.T) {
	bus, _, documents := newTestBus(t)
	documents.On("GetDocument", mock.Anything, "d1").Return(
		models.Document{ID: "d1", CaseID: "c9", Name: "brief.pdf"}, nil)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(`{"kind":"insert","table":"documents","record":{"id":"d1"}}`)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Document)
	assert.Equal(t, "c9", got[0].Document.CaseID)
}

func TestDispatchDropsUnknownTablesAndGarbage(t *testing.T) {
	bus, messages, _ := newTestBus(t)
	messages.On("GetMessage", mock.Anything, "ok").Return(
		models.Message{ID: "ok", ThreadID: "t1", Content: "hi"}, nil)

	var got []Event
	defer bus.Subscribe(func(e Event) { got = append(got, e) })()

	bus.dispatch(`{"kind":"insert","table":"billing","record":{}}`)
	bus.dispatch(`not json at all`)
	bus.dispatch(messagePayload(t, "insert", models.Message{ID: "ok", ThreadID: "t1", Content: "hi"}))

	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Message.ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var got []Event
	unsubscribe := bus.Subscribe(func(e Event) { got = append(got, e) })
	unsubscribe()

	bus.dispatch(messagePayload(t, "update", models.Message{ID: "m1", ThreadID: "t1", Content: "hi"}))
	assert.Empty(t, got)
}

func TestStatusTransitionsNotifySubscribers(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var seen []Status
	defer bus.SubscribeStatus(func(s Status) { seen = append(seen, s) })()

	// The current status arrives on subscription.
	require.Equal(t, []Status{StatusDisconnected}, seen)

	bus.setStatus(StatusConnecting)
	bus.setStatus(StatusConnected)
	bus.setStatus(StatusConnected)
	bus.setStatus(StatusDisconnected)

	// The repeated connected state is coalesced.
	assert.Equal(t, []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusDisconnected}, seen)
	assert.Equal(t, StatusDisconnected, bus.Status())
}
