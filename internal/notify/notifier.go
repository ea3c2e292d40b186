// Package notify delivers best-effort operator notifications. Delivery
// failures are logged and never fail the operation being reported.
package notify

import "context"

// Event is one operator-facing announcement.
type Event struct {
	Title  string
	Lines  []string
	Failed bool
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
