// Package delivery drives a domain.Driver through the per-item delivery state
// machine and aggregates the outcomes into a batch report.
//
// Recipients are processed one at a time in routing order and the items of a
// recipient strictly in content order: the driver represents a single UI focus.
package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"batchbot/internal/domain"
	"batchbot/internal/metrics"
)

// Coordinator owns a driver for the duration of each Deliver call.
type Coordinator struct {
	mu     sync.Mutex
	driver domain.Driver
	policy Policy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for transitions and retries.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithSleep replaces the backoff wait. It must return ctx.Err() when ctx is
// done before the delay elapses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// New creates a Coordinator for driver.
func New(driver domain.Driver, policy Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		driver: driver,
		policy: policy.normalized(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy in effect.
func (c *Coordinator) Policy() Policy { return c.policy }

// Deliver sends every target's content and always returns a report. Driver
// failures are recorded as attempts; once ctx is cancelled every remaining
// item is abandoned as cancelled without being attempted.
func (c *Coordinator) Deliver(ctx context.Context, decision domain.RoutingDecision) *domain.BatchReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &domain.BatchReport{
		MessageID:  decision.MessageID,
		StartedAt:  time.Now(),
		Recipients: make([]domain.RecipientReport, 0, len(decision.Targets)),
	}
	for _, target := range decision.Targets {
		report.Recipients = append(report.Recipients, c.deliverRecipient(ctx, target))
	}
	report.FinishedAt = time.Now()
	report.Overall = report.Aggregate()
	return report
}

func (c *Coordinator) deliverRecipient(ctx context.Context, target domain.Target) domain.RecipientReport {
	rr := domain.RecipientReport{
		Recipient: target.Recipient,
		Items:     make([]domain.ItemResult, 0, len(target.Content)),
	}

	var skip domain.AbandonReason
	for i, item := range target.Content {
		if skip == "" && ctx.Err() != nil {
			skip = domain.ReasonCancelled
		}
		if skip != "" {
			rr.Items = append(rr.Items, c.abandonUnattempted(target.Recipient, i, item, skip))
			continue
		}

		res := c.deliverItem(ctx, target.Recipient, i, item)
		rr.Items = append(rr.Items, res)

		if ctx.Err() != nil {
			skip = domain.ReasonCancelled
			continue
		}
		if i == 0 && c.policy.ShortCircuit && unreachable(res) && len(target.Content) > 1 {
			c.logger.Error("recipient unreachable, skipping remaining items",
				"recipient", target.Recipient,
				"skipped", len(target.Content)-1,
			)
			skip = domain.ReasonUnreachable
		}
	}
	return rr
}

// deliverItem runs the state machine for one (recipient, item) pair.
func (c *Coordinator) deliverItem(ctx context.Context, recipient string, idx int, item domain.ContentItem) domain.ItemResult {
	res := domain.ItemResult{Index: idx, Type: item.Type}
	log := c.logger.With("recipient", recipient, "item", idx, "content", item.Describe())

	state := domain.StatePending
	attempt := 0
	var started time.Time

	for !state.Terminal() {
		next := state
		switch state {
		case domain.StatePending:
			attempt = 1
			next = domain.StateLocating

		case domain.StateLocating:
			if ctx.Err() != nil {
				next, res.AbandonReason = domain.StateAbandoned, domain.ReasonCancelled
				break
			}
			started = time.Now()
			if err := c.driver.Focus(ctx, recipient); err != nil {
				err = asDriverError("focus", recipient, err)
				res.Attempts = append(res.Attempts, c.attempt(recipient, idx, attempt, domain.StageLocate, started, err))
				next, res.AbandonReason = c.afterFailure(ctx, err, attempt)
				break
			}
			next = domain.StateSending

		case domain.StateSending:
			if ctx.Err() != nil {
				next, res.AbandonReason = domain.StateAbandoned, domain.ReasonCancelled
				break
			}
			started = time.Now()
			op, err := c.dispatch(ctx, item)
			if err != nil {
				err = asDriverError(op, recipient, err)
				res.Attempts = append(res.Attempts, c.attempt(recipient, idx, attempt, domain.StageSend, started, err))
				next, res.AbandonReason = c.afterFailure(ctx, err, attempt)
				break
			}
			res.Attempts = append(res.Attempts, c.attempt(recipient, idx, attempt, domain.StageSend, started, nil))
			next = domain.StateDelivered

		case domain.StateRetrying:
			delay := c.policy.Backoff(attempt)
			log.Warn("delivery attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", c.policy.MaxAttempts,
				"backoff", delay,
				"err", res.Attempts[len(res.Attempts)-1].Reason,
			)
			if err := c.sleep(ctx, delay); err != nil {
				next, res.AbandonReason = domain.StateAbandoned, domain.ReasonCancelled
				break
			}
			attempt++
			next = domain.StateLocating
		}

		log.Debug("delivery transition", "from", state, "to", next, "attempt", attempt)
		state = next
	}

	res.State = state
	switch state {
	case domain.StateDelivered:
		metrics.ItemsDelivered.Inc()
		log.Info("item delivered", "attempt", attempt)
	case domain.StateAbandoned:
		metrics.ItemsAbandoned(string(res.AbandonReason)).Inc()
		log.Error("item abandoned", "reason", res.AbandonReason, "attempts", len(res.Attempts))
	}
	return res
}

// dispatch picks the driver primitive for the item's variant.
func (c *Coordinator) dispatch(ctx context.Context, item domain.ContentItem) (string, error) {
	switch item.Type {
	case domain.ContentText:
		return "send_text", c.driver.SendText(ctx, item.Content)
	case domain.ContentImage:
		if item.Source == domain.SourceClipboard {
			return "attach_clipboard_image", c.driver.AttachClipboardImage(ctx)
		}
		return "attach_file", c.driver.AttachFile(ctx, item.Path)
	case domain.ContentFile:
		return "attach_file", c.driver.AttachFile(ctx, item.Path)
	default:
		return "dispatch", domain.ErrUnsupported
	}
}

// afterFailure decides what follows a failed attempt. A failure caused by
// cancellation abandons the item as cancelled, never as a driver failure.
func (c *Coordinator) afterFailure(ctx context.Context, err error, attempt int) (domain.State, domain.AbandonReason) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return domain.StateAbandoned, domain.ReasonCancelled
	}
	if errors.Is(err, domain.ErrUnsupported) {
		return domain.StateAbandoned, domain.ReasonUnsupported
	}
	if attempt >= c.policy.MaxAttempts {
		return domain.StateAbandoned, domain.ReasonRetriesExhausted
	}
	return domain.StateRetrying, ""
}

func (c *Coordinator) attempt(recipient string, idx, n int, stage domain.Stage, started time.Time, err error) domain.DeliveryAttempt {
	a := domain.DeliveryAttempt{
		Recipient: recipient,
		ItemIndex: idx,
		Attempt:   n,
		Stage:     stage,
		Outcome:   domain.OutcomeSuccess,
		Duration:  time.Since(started),
	}
	if err != nil {
		a.Outcome = domain.OutcomeFailure
		a.Reason = err.Error()
	}
	metrics.Attempts(string(a.Outcome)).Inc()
	metrics.PrimitiveLatency.Observe(a.Duration.Seconds())
	return a
}

func (c *Coordinator) abandonUnattempted(recipient string, idx int, item domain.ContentItem, reason domain.AbandonReason) domain.ItemResult {
	metrics.ItemsAbandoned(string(reason)).Inc()
	c.logger.Debug("item abandoned without attempt", "recipient", recipient, "item", idx, "reason", reason)
	return domain.ItemResult{
		Index:         idx,
		Type:          item.Type,
		State:         domain.StateAbandoned,
		AbandonReason: reason,
	}
}

// unreachable reports whether every attempt on the item failed while locating.
func unreachable(res domain.ItemResult) bool {
	if res.State != domain.StateAbandoned || res.AbandonReason == domain.ReasonCancelled || len(res.Attempts) == 0 {
		return false
	}
	for _, a := range res.Attempts {
		if a.Stage != domain.StageLocate {
			return false
		}
	}
	return true
}

func asDriverError(op, recipient string, err error) error {
	var de *domain.DriverError
	if errors.As(err, &de) {
		return err
	}
	return &domain.DriverError{Op: op, Recipient: recipient, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
