package domain

import "time"

// State is a position in the per-(recipient, item) delivery state machine.
type State string

const (
	StatePending   State = "pending"
	StateLocating  State = "locating"
	StateSending   State = "sending"
	StateRetrying  State = "retrying"
	StateDelivered State = "delivered"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool { return s == StateDelivered || s == StateAbandoned }

// Stage names the step an attempt reached before its outcome was decided.
type Stage string

const (
	StageLocate Stage = "locate"
	StageSend   Stage = "send"
)

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AbandonReason explains why an item ended in StateAbandoned.
type AbandonReason string

const (
	ReasonRetriesExhausted AbandonReason = "retries_exhausted"
	ReasonUnreachable      AbandonReason = "recipient_unreachable"
	ReasonUnsupported      AbandonReason = "unsupported"
	ReasonCancelled        AbandonReason = "cancelled"
)

// DeliveryAttempt records one pass through locating/sending for an item.
type DeliveryAttempt struct {
	Recipient string        `json:"recipient"`
	ItemIndex int           `json:"item_index"`
	Attempt   int           `json:"attempt"`
	Stage     Stage         `json:"stage"`
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ItemResult is the terminal state of one content item for one recipient.
type ItemResult struct {
	Index         int               `json:"index"`
	Type          ContentType       `json:"type"`
	State         State             `json:"state"`
	AbandonReason AbandonReason     `json:"abandon_reason,omitempty"`
	Attempts      []DeliveryAttempt `json:"attempts"`
}

// Delivered reports whether the item reached StateDelivered.
func (r ItemResult) Delivered() bool { return r.State == StateDelivered }

// RecipientReport groups the item results of one recipient in content order.
type RecipientReport struct {
	Recipient string       `json:"recipient"`
	Items     []ItemResult `json:"items"`
}

// Delivered counts items that reached StateDelivered.
func (r RecipientReport) Delivered() int {
	n := 0
	for _, it := range r.Items {
		if it.Delivered() {
			n++
		}
	}
	return n
}

// Overall is the aggregated verdict of a batch.
type Overall string

const (
	OverallSuccess        Overall = "success"
	OverallPartialFailure Overall = "partial_failure"
	OverallFailure        Overall = "failure"
)

// BatchReport is the outcome of one routed send across all recipients.
type BatchReport struct {
	RunID      string            `json:"run_id"`
	MessageID  string            `json:"message_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Recipients []RecipientReport `json:"recipients"`
	Overall    Overall           `json:"overall"`
}

// Attempts returns every attempt recorded for recipient, in order.
func (r *BatchReport) Attempts(recipient string) []DeliveryAttempt {
	var out []DeliveryAttempt
	for _, rr := range r.Recipients {
		if rr.Recipient != recipient {
			continue
		}
		for _, it := range rr.Items {
			out = append(out, it.Attempts...)
		}
	}
	return out
}

// Recipient returns the report for one recipient.
func (r *BatchReport) Recipient(name string) (RecipientReport, bool) {
	for _, rr := range r.Recipients {
		if rr.Recipient == name {
			return rr, true
		}
	}
	return RecipientReport{}, false
}

// Counts returns the number of delivered and abandoned items.
func (r *BatchReport) Counts() (delivered, abandoned int) {
	for _, rr := range r.Recipients {
		for _, it := range rr.Items {
			switch it.State {
			case StateDelivered:
				delivered++
			case StateAbandoned:
				abandoned++
			}
		}
	}
	return delivered, abandoned
}

// Aggregate computes Overall from the item results: success when every item
// was delivered, failure when none was, partial failure otherwise. A report
// with no items is a success.
func (r *BatchReport) Aggregate() Overall {
	delivered, abandoned := r.Counts()
	switch {
	case abandoned == 0:
		return OverallSuccess
	case delivered == 0:
		return OverallFailure
	default:
		return OverallPartialFailure
	}
}
