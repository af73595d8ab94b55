package fetcher

import (
	"context"

	"price-pusher/internal/entry"
)

// Fetcher retrieves normalized entries from one external source.
type Fetcher interface {
	Name() string
	// UsesRPC reports whether the source reads from a blockchain RPC endpoint
	// rather than a plain REST API.
	UsesRPC() bool
	Fetch(ctx context.Context) ([]entry.Entry, error)
}
