package attachments

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"messaging-service/internal/models"
	"messaging-service/internal/objectstore"
)

// File is one upload candidate handed in by the surface layer.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Rejection names a file that failed validation and why. Rejections are
// per-file; they never abort the rest of a bind.
type Rejection struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// Binder validates and uploads message attachments. All uploads of one bind
// run concurrently and either all succeed or the bind fails as a whole, so a
// message never references a half-uploaded set.
type Binder struct {
	store    objectstore.ObjectStore
	maxBytes int64
	allowed  map[string]struct{}
}

// NewBinder constructs a Binder with the given size ceiling and MIME
// allow-list.
func NewBinder(store objectstore.ObjectStore, maxBytes int64, allowedMimes []string) *Binder {
	allowed := make(map[string]struct{}, len(allowedMimes))
	for _, m := range allowedMimes {
		allowed[m] = struct{}{}
	}
	return &Binder{store: store, maxBytes: maxBytes, allowed: allowed}
}

// Bind validates each file, uploads the valid ones under
// {folderScope}/{generatedName}, and returns the attachment records together
// with per-file rejections. A transport failure on any upload returns an
// error and no attachments.
func (b *Binder) Bind(ctx context.Context, files []File, folderScope string) ([]models.Attachment, []Rejection, error) {
	var rejections []Rejection
	accepted := make([]File, 0, len(files))
	for _, f := range files {
		if reason := b.validate(f); reason != "" {
			rejections = append(rejections, Rejection{Filename: f.Name, Reason: reason})
			continue
		}
		accepted = append(accepted, f)
	}

	if len(accepted) == 0 {
		return nil, rejections, nil
	}

	results := make([]models.Attachment, len(accepted))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range accepted {
		i, f := i, f
		g.Go(func() error {
			id := uuid.NewString()
			path := fmt.Sprintf("%s/%s%s", folderScope, id, filepath.Ext(f.Name))
			if err := b.store.Upload(gctx, path, f.Data, f.MimeType); err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			att := models.Attachment{
				ID:         id,
				Filename:   f.Name,
				Size:       int64(len(f.Data)),
				MimeType:   f.MimeType,
				URL:        b.store.PublicURL(path),
				UploadedAt: time.Now().UTC(),
			}
			mu.Lock()
			results[i] = att
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, rejections, err
	}
	return results, rejections, nil
}

func (b *Binder) validate(f File) string {
	if int64(len(f.Data)) > b.maxBytes {
		return fmt.Sprintf("file exceeds the %d byte limit", b.maxBytes)
	}
	if len(f.Data) == 0 {
		return "file is empty"
	}
	if _, ok := b.allowed[f.MimeType]; !ok {
		return fmt.Sprintf("file type %s is not allowed", f.MimeType)
	}
	return ""
}
