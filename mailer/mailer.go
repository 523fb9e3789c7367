// Package mailer queues outgoing email on the job queue and delivers it
// over SMTP from a worker.
package mailer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"mercado/mq"
)

const (
	QueueName = "email"
	JobType   = "send-email"

	PriorityHigh   = 1
	PriorityNormal = 2
)

// Attachment content is carried base64-encoded in the job payload.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

type Message struct {
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Priority    int          `json:"priority,omitempty"`
}

func (m *Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("email has no recipient")
	}
	if m.Subject == "" {
		return fmt.Errorf("email to %s has no subject", m.To)
	}
	return nil
}

// Queue hands messages to the email worker.
type Queue struct {
	queue *mq.Queue
}

func NewQueue(queue *mq.Queue) *Queue {
	return &Queue{queue: queue}
}

func (q *Queue) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	id, _, err := q.queue.Enqueue(ctx, JobType, msg, mq.Options{Priority: msg.Priority})
	if err != nil {
		log.Printf("[Mailer] failed to queue %q to %s: %v", msg.Subject, msg.To, err)
		return err
	}
	log.Printf("[Mailer] queued %q to %s (job %s)", msg.Subject, msg.To, id)
	return nil
}

// Sender delivers a message right away.
type Sender interface {
	Deliver(ctx context.Context, msg Message) error
}

// Handler returns the email queue job handler. Delivery errors are returned
// so the queue retries them.
func Handler(sender Sender) mq.Handler {
	return func(ctx context.Context, job *mq.Job) error {
		var msg Message
		if err := job.Decode(&msg); err != nil {
			return err
		}
		if err := sender.Deliver(ctx, msg); err != nil {
			return fmt.Errorf("deliver %q to %s: %w", msg.Subject, msg.To, err)
		}
		log.Printf("[Mailer] sent %q to %s (job %s)", msg.Subject, msg.To, job.ID)
		return nil
	}
}
