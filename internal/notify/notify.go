// Package notify delivers operator alerts for events that need a human:
// engine crashes, failed health checks, startup failures. Delivery is best
// effort; an alert failure never blocks the operation that raised it.
package notify

import (
	"context"
	"log"
)

// Notifier sends one alert to an operator channel.
type Notifier interface {
	Alert(ctx context.Context, subject, body string) error
}

// Nop returns a Notifier that discards alerts, used when no destination is
// configured.
func Nop() Notifier { return nopNotifier{} }

type nopNotifier struct{}

func (nopNotifier) Alert(ctx context.Context, subject, body string) error { return nil }

// Multi fans one alert out to every destination. Failures are logged per
// destination; the remaining destinations still receive the alert.
type Multi []Notifier

func (m Multi) Alert(ctx context.Context, subject, body string) error {
	for _, n := range m {
		if err := n.Alert(ctx, subject, body); err != nil {
			log.Printf("notify: %v", err)
		}
	}
	return nil
}
