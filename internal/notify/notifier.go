// Package notify is the contract for the external notification collaborator
// (chat/push channels live behind it, outside this service).
package notify

import (
	"context"
	"log"
)

type Notifier interface {
	IsEnabled() bool
	NotifyAllComplete(ctx context.Context, completed, failed int) error
}

// LogNotifier is the built-in delivery: a log line. Real channels plug in
// behind the same interface.
type LogNotifier struct {
	Enabled bool
}

func (n LogNotifier) IsEnabled() bool { return n.Enabled }

func (n LogNotifier) NotifyAllComplete(ctx context.Context, completed, failed int) error {
	log.Printf("[notify] queue_drained completed=%d failed=%d", completed, failed)
	return nil
}
