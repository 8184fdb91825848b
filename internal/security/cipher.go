package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"strings"
)

// Ciphertext values carry this prefix so pass-through and legacy plaintext
// rows are distinguishable from sealed ones.
const sealedPrefix = "gcm:"

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Cipher seals message content with AES-256-GCM before it is persisted and
// opens batches after reads. A nil key makes both directions pass-through,
// for local development.
type Cipher struct {
	key []byte
}

// NewCipher builds a Cipher from a hex-encoded 32-byte key. An empty string
// yields a pass-through cipher.
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return &Cipher{}, nil
	}
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("content key must be 32 bytes (AES-256)")
	}
	return &Cipher{key: b}, nil
}

// Enabled reports whether a key is configured.
func (c *Cipher) Enabled() bool {
	return len(c.key) == 32
}

// Encrypt seals plaintext. The random nonce is prepended to the ciphertext
// and the whole blob is base64-encoded for storage in a text column.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt opens a single sealed value. Values without the sealed prefix are
// returned unchanged.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if !c.Enabled() {
		return "", ErrMalformedCiphertext
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns {
		return "", ErrMalformedCiphertext
	}
	plaintext, err := gcm.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	return string(plaintext), nil
}

// Sealed is one entry of a decrypt batch, correlated by id.
type Sealed struct {
	ID      string
	Content string
}

// DecryptBatch opens every entry it can. An entry that fails to open keeps
// its original content so one malformed row never blanks a conversation; the
// failure is logged and the batch always returns len(in) entries.
func (c *Cipher) DecryptBatch(in []Sealed) []Sealed {
	out := make([]Sealed, len(in))
	for i, entry := range in {
		plaintext, err := c.Decrypt(entry.Content)
		if err != nil {
			log.Printf("decrypt failed for message %s: %v", entry.ID, err)
			out[i] = entry
			continue
		}
		out[i] = Sealed{ID: entry.ID, Content: plaintext}
	}
	return out
}
