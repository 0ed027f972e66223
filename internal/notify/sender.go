// Package notify delivers warning emails to escrow owners through a
// transactional message relay.
package notify

import (
	"context"
	"log"
)

// Message is one outbound warning.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender abstracts the message relay. A failed Send means the message may not
// have been delivered; callers must not record the notification as sent.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the process log instead of delivering them.
// Used when no relay credentials are configured, so local runs of the keeper
// exercise the full policy path without sending real mail.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	log.Printf("notify (dry-run): to=%s subject=%q", msg.To, msg.Subject)
	return nil
}
