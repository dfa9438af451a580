// Package readreceipt records which identities have fetched a message.
package readreceipt

import (
	"context"
	"log"
	"time"

	"messageexchange/api/internal/store"
)

type markStore interface {
	UpsertReadMark(ctx context.Context, messageID string, mark store.ReadMark) (store.ReadMark, error)
}

// Tracker adds a read mark for the reader to every message that lacks one.
// Marks are never removed or re-timestamped.
type Tracker struct {
	store markStore
	now   func() time.Time
}

func New(s markStore) *Tracker {
	return &Tracker{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead updates messages in place. A nil reader is a no-op. Storage
// failures are logged and leave that message unchanged; they never fail the
// read that triggered them.
func (t *Tracker) MarkRead(ctx context.Context, messages []store.Message, reader *store.Identifier) {
	if reader == nil || len(messages) == 0 {
		return
	}

	for i := range messages {
		message := &messages[i]
		if message.HasReader(*reader) {
			continue
		}

		stored, err := t.store.UpsertReadMark(ctx, message.ID, store.ReadMark{
			Identifier: *reader,
			ReadAt:     t.now(),
		})
		if err != nil {
			log.Printf("readreceipt: mark message %s read by %s=%s: %v", message.ID, reader.Type, reader.Value, err)
			continue
		}
		message.ReadBy = append(message.ReadBy, stored)
	}
}
