// Package batch is the entry point for sending catalog messages: it looks the
// message up, routes it, delivers it and records the report.
package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"batchbot/internal/catalog"
	"batchbot/internal/delivery"
	"batchbot/internal/domain"
	"batchbot/internal/metrics"
	"batchbot/internal/routing"
	"batchbot/internal/store"
)

// Recorder persists finished reports.
type Recorder interface {
	RecordReport(ctx context.Context, report *domain.BatchReport, trigger string) error
}

// Service sends catalog messages through a coordinator.
type Service struct {
	Catalog     catalog.Source
	Coordinator *delivery.Coordinator
	Recorder    Recorder // nil = not recorded
	Logger      *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// Plan routes a message without delivering it.
func (s *Service) Plan(messageID string) (domain.RoutingDecision, error) {
	cat, err := s.Catalog.Current()
	if err != nil {
		return domain.RoutingDecision{}, err
	}
	return plan(cat, messageID)
}

func plan(cat *catalog.Catalog, messageID string) (domain.RoutingDecision, error) {
	msg, err := cat.Message(messageID)
	if err != nil {
		return domain.RoutingDecision{}, err
	}
	return routing.Route(msg, cat.Groups)
}

// BatchSend delivers one message to every matching recipient. Only
// configuration problems are returned as errors; delivery failures are in
// the report.
func (s *Service) BatchSend(ctx context.Context, messageID string) (*domain.BatchReport, error) {
	return s.Send(ctx, messageID, store.TriggerManual)
}

// Send is BatchSend with an explicit trigger for the delivery log.
func (s *Service) Send(ctx context.Context, messageID, trigger string) (*domain.BatchReport, error) {
	decision, err := s.Plan(messageID)
	if err != nil {
		return nil, err
	}
	return s.deliver(ctx, decision, trigger), nil
}

// SendAll delivers every catalog message in catalog order. Every message is
// routed before the first one is sent, so a configuration problem aborts the
// whole run without any UI action.
func (s *Service) SendAll(ctx context.Context) ([]*domain.BatchReport, error) {
	cat, err := s.Catalog.Current()
	if err != nil {
		return nil, err
	}

	var decisions []domain.RoutingDecision
	for _, id := range cat.MessageIDs() {
		d, err := plan(cat, id)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", id, err)
		}
		decisions = append(decisions, d)
	}

	reports := make([]*domain.BatchReport, 0, len(decisions))
	for _, d := range decisions {
		reports = append(reports, s.deliver(ctx, d, store.TriggerManual))
	}
	return reports, nil
}

func (s *Service) deliver(ctx context.Context, decision domain.RoutingDecision, trigger string) *domain.BatchReport {
	log := s.logger()
	runID := uuid.NewString()

	if decision.Empty() {
		log.Warn("no recipients match message", "message", decision.MessageID)
	}
	log.Info("batch started",
		"run_id", runID,
		"message", decision.MessageID,
		"recipients", len(decision.Targets),
	)

	metrics.BatchesTotal.Inc()
	metrics.BatchInProgress.Inc()
	report := s.Coordinator.Deliver(ctx, decision)
	metrics.BatchInProgress.Dec()
	metrics.BatchesByOverall(string(report.Overall)).Inc()

	report.RunID = runID
	delivered, abandoned := report.Counts()
	attrs := []any{
		"run_id", runID,
		"message", report.MessageID,
		"overall", report.Overall,
		"delivered", delivered,
		"abandoned", abandoned,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}
	if report.Overall == domain.OverallSuccess {
		log.Info("batch finished", attrs...)
	} else {
		log.Warn("batch finished", attrs...)
	}

	if s.Recorder != nil {
		// recording failures are logged, never returned
		if err := s.Recorder.RecordReport(context.WithoutCancel(ctx), report, trigger); err != nil {
			log.Error("recording run failed", "run_id", runID, "err", err)
		}
	}
	return report
}
