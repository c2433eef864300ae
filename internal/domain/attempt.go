package domain

import (
	"fmt"
	"strings"
	"time"
)

// AttemptStatus represents the lifecycle state of an outbound send attempt.
type AttemptStatus string

const (
	AttemptStatusPending         AttemptStatus = "PENDING"
	AttemptStatusScheduled       AttemptStatus = "SCHEDULED"
	AttemptStatusSucceeded       AttemptStatus = "SUCCEEDED"
	AttemptStatusFailedRetryable AttemptStatus = "FAILED_RETRYABLE"
	AttemptStatusFailedPermanent AttemptStatus = "FAILED_PERMANENT"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptStatusPending, AttemptStatusScheduled, AttemptStatusSucceeded,
		AttemptStatusFailedRetryable, AttemptStatusFailedPermanent:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailedPermanent
}

func ParseAttemptStatusFromString(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// SendAttempt tracks one logical outbound message across its delivery attempts.
type SendAttempt struct {
	ID                string
	RecipientKey      string
	Payload           string
	Channel           Channel
	Status            AttemptStatus
	AttemptCount      int
	NextAttemptAt     *time.Time
	LastError         string
	ProviderMessageID string
	Result            *DeliveryResult
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanTransition enforces the monotonic attempt state machine.
func (a *SendAttempt) CanTransition(to AttemptStatus) bool {
	if a == nil {
		return false
	}
	switch a.Status {
	case AttemptStatusPending:
		return to == AttemptStatusSucceeded || to == AttemptStatusFailedRetryable || to == AttemptStatusFailedPermanent
	case AttemptStatusFailedRetryable:
		return to == AttemptStatusScheduled || to == AttemptStatusFailedPermanent
	case AttemptStatusScheduled:
		return to == AttemptStatusPending || to == AttemptStatusFailedPermanent
	}
	return false
}

// Transition moves the attempt to the next state or fails with ErrConflict.
func (a *SendAttempt) Transition(to AttemptStatus, at time.Time) error {
	if !a.CanTransition(to) {
		from := AttemptStatus("")
		if a != nil {
			from = a.Status
		}
		return fmt.Errorf("%w: attempt transition %s -> %s", ErrConflict, from, to)
	}
	a.Status = to
	a.UpdatedAt = at
	return nil
}

// Outcome is the terminal disposition recorded in a DeliveryResult.
type Outcome string

const (
	OutcomeDelivered Outcome = "DELIVERED"
	OutcomeFailed    Outcome = "FAILED"
)

// DeliveryResult is the immutable record attached once an attempt or capture is terminal.
type DeliveryResult struct {
	Outcome   Outcome
	Channel   string
	Timestamp time.Time
	Latency   time.Duration
}
