package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors returned by queue operations
var (
	ErrInvalidChannel   = errors.New("invalid notification channel")
	ErrInvalidPayload   = errors.New("payload must not be empty")
	ErrEnvelopeNotFound = errors.New("envelope not found")
	ErrInvalidState     = errors.New("envelope is not in the required state")
	ErrStoreUnavailable = errors.New("backing store unavailable")
)

// Channel represents a notification delivery channel
type Channel string

const (
	// ChannelSMS for text messages
	ChannelSMS Channel = "sms"
	// ChannelWhatsApp for WhatsApp messages
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelEmail for email messages
	ChannelEmail Channel = "email"
	// ChannelBulk for batched campaign sends
	ChannelBulk Channel = "bulk"
)

// Channels lists every valid channel, in dispatch order.
var Channels = []Channel{ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelBulk}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelBulk:
		return true
	}
	return false
}

// Priority represents message priority
type Priority int

const (
	// PriorityLow is for low priority messages
	PriorityLow Priority = 1
	// PriorityMedium is for normal priority messages
	PriorityMedium Priority = 2
	// PriorityHigh is for high priority messages
	PriorityHigh Priority = 3
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// Status represents the lifecycle state of an envelope
type Status string

const (
	// StatusPending means the envelope is queued and waiting to become eligible
	StatusPending Status = "pending"
	// StatusProcessing means a worker currently holds the envelope
	StatusProcessing Status = "processing"
	// StatusCompleted means the transport confirmed delivery
	StatusCompleted Status = "completed"
	// StatusFailed means the envelope failed and was not requeued
	StatusFailed Status = "failed"
	// StatusDeadLetter means the envelope exhausted its retry budget
	StatusDeadLetter Status = "dead_letter"
)

// Attempt records one delivery attempt for auditing.
type Attempt struct {
	Time   time.Time `json:"time"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
}

// Envelope is the durable record of one message's lifecycle. The payload is
// opaque business data (recipient details, template reference, rendered
// content) and is never interpreted by the queue.
type Envelope struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Channel       Channel         `json:"channel"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	Recipient     string          `json:"recipient,omitempty"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	EligibleAt    time.Time       `json:"eligible_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	Attempts      []Attempt       `json:"attempts,omitempty"`
}

// ChannelStats holds the per-channel observability counters. QueueLength is
// computed live from the queue itself, the rest are cumulative counters.
type ChannelStats struct {
	QueueLength int64 `json:"queue_length"`
	Enqueued    int64 `json:"enqueued"`
	Dequeued    int64 `json:"dequeued"`
	Completed   int64 `json:"completed"`
	Retried     int64 `json:"retried"`
	DeadLetter  int64 `json:"dead_letter"`
}

// Stats aggregates per-channel counters plus the dead letter backlog.
type Stats struct {
	Channels         map[Channel]ChannelStats `json:"channels"`
	DeadLetterLength int64                    `json:"dead_letter_length"`
	LastUpdated      time.Time                `json:"last_updated"`
}

// Counter field names as stored in the stats hash.
const (
	counterEnqueued   = "enqueued"
	counterDequeued   = "dequeued"
	counterCompleted  = "completed"
	counterRetried    = "retried"
	counterDeadLetter = "dead_letter"
)
