package storage

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPushed = "pushed"
	StatusFailed = "failed"
)

// PushBatch records one attempt to publish a flushed batch.
type PushBatch struct {
	ID        uuid.UUID
	Publisher string
	Target    string
	Endpoint  string
	Status    string
	Entries   int
	Pairs     []string
	TxHashes  []string
	Attempts  int
	Error     *string
	StartedAt time.Time
	Duration  time.Duration
	CreatedAt time.Time
}

func normalizeBatch(b PushBatch) PushBatch {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = StatusPushed
	}
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	if b.Pairs == nil {
		b.Pairs = []string{}
	}
	if b.TxHashes == nil {
		b.TxHashes = []string{}
	}
	return b
}
