package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"allinone/internal/jobs"
	"allinone/internal/models"
)

// CounterSweeper deletes usage counters whose window closed before a cutoff.
type CounterSweeper interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// StaleEventLister finds webhook events stuck in flight.
type StaleEventLister interface {
	ListInFlightBefore(ctx context.Context, before time.Time, limit int64) ([]models.ProcessedEvent, error)
}

const staleEventReportLimit = 100

type Processor struct {
	counters      CounterSweeper
	events        StaleEventLister
	retention     time.Duration
	staleEventAge time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

type TaskPayload struct {
	Type       string `json:"type"`
	EnqueuedAt string `json:"enqueuedAt"`
}

// NewProcessor builds the maintenance task handler. A nil counters sweeper
// skips usage_gc, which suits backends that expire keys themselves.
func NewProcessor(counters CounterSweeper, events StaleEventLister, retention, staleEventAge time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		counters:      counters,
		events:        events,
		retention:     retention,
		staleEventAge: staleEventAge,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch payload.Type {
	case jobs.TaskUsageGC:
		return p.handleUsageGC(ctx)
	case jobs.TaskStaleEvents:
		return p.handleStaleEvents(ctx)
	default:
		p.logger.Warn().Str("type", payload.Type).Str("message_id", msg.ID).Msg("unknown task type")
		return nil
	}
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

func (p *Processor) handleUsageGC(ctx context.Context) error {
	if p.counters == nil {
		p.logger.Debug().Msg("usage gc skipped, counters expire natively")
		return nil
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.counters.DeleteExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep counters: %w", err)
	}
	p.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("usage counters swept")
	return nil
}

// handleStaleEvents only reports. An in-flight event is retried by the
// processor's own redelivery, so replaying here would race it.
func (p *Processor) handleStaleEvents(ctx context.Context) error {
	cutoff := p.now().Add(-p.staleEventAge)
	stale, err := p.events.ListInFlightBefore(ctx, cutoff, staleEventReportLimit)
	if err != nil {
		return fmt.Errorf("list stale events: %w", err)
	}
	for _, event := range stale {
		p.logger.Warn().
			Str("event_id", event.StripeEventID).
			Time("last_attempt_at", event.UpdatedAt).
			Msg("webhook event stuck in flight")
	}
	p.logger.Info().Int("count", len(stale)).Msg("stale event check finished")
	return nil
}
