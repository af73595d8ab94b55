package alerting

import (
	"context"
	"sync"
	"time"
)

// Throttled drops repeats of the same alert inside a cooldown window, so a
// flapping endpoint does not flood the chat.
type Throttled struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// Throttle wraps next. A non-positive cooldown disables throttling.
func Throttle(next Notifier, cooldown time.Duration) Notifier {
	if next == nil || cooldown <= 0 {
		return next
	}
	return &Throttled{next: next, cooldown: cooldown, now: time.Now, last: make(map[string]time.Time)}
}

// Notify forwards note unless an identical alert went out within the cooldown.
func (t *Throttled) Notify(ctx context.Context, note Notification) error {
	key := string(note.Kind) + "|" + note.Network + "|" + note.From + "|" + note.To

	t.mu.Lock()
	now := t.now()
	if at, ok := t.last[key]; ok && now.Sub(at) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.last[key] = now
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		// let the next attempt through
		t.mu.Lock()
		delete(t.last, key)
		t.mu.Unlock()
		return err
	}
	return nil
}
