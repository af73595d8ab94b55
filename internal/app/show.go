package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"price-pusher/internal/storage"
)

// Show prints recent push batches from the audit store.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show push batches")
	}
	if closeStore != nil {
		defer closeStore()
	}

	batches, err := store.ListRecentPushBatches(ctx, opts.Limit)
	if err != nil {
		return err
	}
	counts, err := store.CountPushBatches(ctx)
	if err != nil {
		return err
	}
	return renderBatches(w, batches, counts)
}

func renderBatches(w io.Writer, batches []storage.PushBatch, counts map[string]int64) error {
	if len(batches) == 0 {
		_, err := fmt.Fprintln(w, "no push batches found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tBatch\tTarget\tStatus\tEntries\tAttempts\tDuration\tTx\tError")

	for _, b := range batches {
		errMsg := ""
		if b.Error != nil {
			errMsg = sanitizeInline(*b.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			b.StartedAt.UTC().Format(time.RFC3339),
			b.ID.String()[:8],
			b.Target,
			b.Status,
			b.Entries,
			b.Attempts,
			b.Duration.Round(time.Millisecond),
			firstHash(b.TxHashes),
			errMsg,
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", status, counts[status]))
	}
	_, err := fmt.Fprintf(w, "\ntotals: %s\n", strings.Join(parts, " "))
	return err
}

func firstHash(hashes []string) string {
	switch len(hashes) {
	case 0:
		return "-"
	case 1:
		return hashes[0]
	default:
		return fmt.Sprintf("%s (+%d)", hashes[0], len(hashes)-1)
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
