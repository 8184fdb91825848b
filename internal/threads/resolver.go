package threads

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// Resolver maps a participant pair (plus optional case context) to a thread
// id. A thread is not stored anywhere; it is the equivalence class over the
// thread_id column, so resolution means finding the newest message between
// the pair.
type Resolver struct {
	repo repositories.MessageRepository
}

// NewResolver constructs a Resolver.
func NewResolver(repo repositories.MessageRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the existing thread id for the pair or mints a new one.
// A failed lookup must never block sending: it falls open to a fresh id with
// a logged warning. Two first-contact sends racing can still mint two ids;
// the duplicate self-heals because later lookups find the newest message.
func (r *Resolver) Resolve(ctx context.Context, a, b models.Party, caseID string) string {
	latest, err := r.repo.LatestBetween(ctx, a, b, caseID)
	if err == nil {
		return latest.ThreadID
	}
	if !errors.Is(err, repositories.ErrMessageNotFound) {
		log.Printf("thread lookup failed for %s/%s and %s/%s, minting new thread: %v",
			a.Type, a.ID, b.Type, b.ID, err)
	}
	return uuid.NewString()
}
