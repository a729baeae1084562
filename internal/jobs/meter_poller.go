package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/metrics"
	"github.com/Checker-Finance/myconso/internal/myconso"
	"github.com/Checker-Finance/myconso/internal/publisher"
	"github.com/Checker-Finance/myconso/pkg/model"
)

// MeterSource is the part of the myconso client the poller reads from.
type MeterSource interface {
	Counters(ctx context.Context) ([]myconso.Counter, error)
	Meter(ctx context.Context, counterID string, r myconso.DateRange) (myconso.Document, error)
}

// ReadingRecorder persists polled readings.
type ReadingRecorder interface {
	RecordMeterReadings(ctx context.Context, readings []model.MeterReading) error
}

// MeterPoller periodically reads every counter's series for the current month,
// records it and emits one meter reading event per counter.
type MeterPoller struct {
	logger    *zap.Logger
	source    MeterSource
	recorder  ReadingRecorder
	publisher publisher.Publisher
	account   string
	housing   func() string
	interval  time.Duration
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMeterPoller constructs the polling job. housing reports the current housing id.
func NewMeterPoller(logger *zap.Logger, source MeterSource, recorder ReadingRecorder, pub publisher.Publisher,
	account string, housing func() string, interval time.Duration) *MeterPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = publisher.Nop{}
	}
	return &MeterPoller{
		logger:    logger,
		source:    source,
		recorder:  recorder,
		publisher: pub,
		account:   account,
		housing:   housing,
		interval:  interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one cycle immediately, then one per interval.
func (p *MeterPoller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("meter_poller.started", zap.Duration("interval", p.interval))
	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-p.stopCh:
			p.logger.Info("meter_poller.stopped (manual stop)")
			return
		case <-ctx.Done():
			p.logger.Info("meter_poller.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the poller. It is safe to call more than once.
func (p *MeterPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// RunOnce executes one polling cycle and returns the number of readings handled.
// A failing counter is logged and skipped.
func (p *MeterPoller) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.PollDuration, start)

	counters, err := p.source.Counters(ctx)
	if err != nil {
		p.logger.Error("meter_poller.counters_failed", zap.Error(err))
		return 0
	}

	total := 0
	for _, ctr := range counters {
		n, err := p.pollCounter(ctx, ctr)
		if err != nil {
			p.logger.Warn("meter_poller.counter_failed",
				zap.Stringer("counter", ctr),
				zap.Error(err))
			continue
		}
		total += n
	}

	p.logger.Info("meter_poller.success",
		zap.Int("counters", len(counters)),
		zap.Int("readings", total),
		zap.Duration("duration", time.Since(start)))
	return total
}

func (p *MeterPoller) pollCounter(ctx context.Context, ctr myconso.Counter) (int, error) {
	doc, err := p.source.Meter(ctx, ctr.Counter, myconso.DateRange{})
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, nil
	}

	housing := p.housing()
	readings := myconso.ParseReadings(doc, housing, ctr, p.now())
	if len(readings) == 0 {
		return 0, nil
	}

	if p.recorder != nil {
		if err := p.recorder.RecordMeterReadings(ctx, readings); err != nil {
			return 0, err
		}
	}
	if err := publisher.PublishMeterReadings(ctx, p.publisher, p.account, housing, readings); err != nil {
		// history is already recorded; the next cycle republishes
		p.logger.Warn("meter_poller.publish_failed", zap.Stringer("counter", ctr), zap.Error(err))
	}
	return len(readings), nil
}
