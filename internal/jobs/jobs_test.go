package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/myconso"
	"github.com/Checker-Finance/myconso/pkg/model"
)

type fakeSource struct {
	counters    []myconso.Counter
	countersErr error
	docs        map[string]myconso.Document
	failing     map[string]bool
}

func (f *fakeSource) Counters(context.Context) ([]myconso.Counter, error) {
	return f.counters, f.countersErr
}

func (f *fakeSource) Meter(_ context.Context, id string, r myconso.DateRange) (myconso.Document, error) {
	if !r.Start.IsZero() || !r.End.IsZero() {
		return nil, errors.New("poller must use the default month range")
	}
	if f.failing[id] {
		return nil, errors.New("boom")
	}
	return f.docs[id], nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	readings []model.MeterReading
	fail     bool
}

func (r *fakeRecorder) RecordMeterReadings(_ context.Context, readings []model.MeterReading) error {
	if r.fail {
		return errors.New("pg down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, readings...)
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	envs []*model.Envelope
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, _ string, env *model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func series(values ...string) myconso.Document {
	pts := make([]any, 0, len(values))
	for i, v := range values {
		pts = append(pts, map[string]any{
			"date":  time.Date(2024, 2, i+1, 0, 0, 0, 0, time.UTC).Format(myconso.DateLayout),
			"value": json.Number(v),
		})
	}
	return myconso.Document{"values": pts}
}

func TestMeterPoller_RecordsAndPublishesPerCounter(t *testing.T) {
	src := &fakeSource{
		counters: []myconso.Counter{
			{Counter: "HW-1", FluidType: "waterHot", MeterType: "water", Unit: "m3"},
			{Counter: "H-2", FluidType: "heating", MeterType: "heat", Unit: "kWh"},
			{Counter: "EMPTY", FluidType: "waterCold", MeterType: "water", Unit: "m3"},
		},
		docs: map[string]myconso.Document{
			"HW-1":  series("0.1", "0.2"),
			"H-2":   series("4"),
			"EMPTY": {"values": []any{}},
		},
	}
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	p := NewMeterPoller(zap.NewNop(), src, rec, pub, "test@test.com", func() string { return "7552325423" }, time.Hour)

	n := p.RunOnce(context.Background())
	assert.Equal(t, 3, n)
	assert.Len(t, rec.readings, 3)
	require.Len(t, pub.envs, 2, "one event per counter with readings")
	assert.Equal(t, model.MeterReadingTopic, pub.envs[0].Topic)
	assert.Equal(t, "7552325423", pub.envs[0].HousingID)

	var payload []model.MeterReading
	require.NoError(t, json.Unmarshal(pub.envs[0].Payload, &payload))
	assert.Equal(t, "HW-1", payload[0].Counter)
	assert.Equal(t, "0.1", payload[0].Value.String())
}

func TestMeterPoller_SkipsFailingCounter(t *testing.T) {
	src := &fakeSource{
		counters: []myconso.Counter{{Counter: "BAD"}, {Counter: "OK"}},
		docs:     map[string]myconso.Document{"OK": series("1")},
		failing:  map[string]bool{"BAD": true},
	}
	pub := &fakePublisher{}
	p := NewMeterPoller(nil, src, nil, pub, "a", func() string { return "h" }, time.Hour)

	assert.Equal(t, 1, p.RunOnce(context.Background()))
	assert.Len(t, pub.envs, 1)
}

func TestMeterPoller_RecorderFailureSkipsPublish(t *testing.T) {
	src := &fakeSource{
		counters: []myconso.Counter{{Counter: "OK"}},
		docs:     map[string]myconso.Document{"OK": series("1")},
	}
	pub := &fakePublisher{}
	p := NewMeterPoller(nil, src, &fakeRecorder{fail: true}, pub, "a", func() string { return "h" }, time.Hour)

	assert.Zero(t, p.RunOnce(context.Background()))
	assert.Empty(t, pub.envs)
}

func TestMeterPoller_CountersError(t *testing.T) {
	src := &fakeSource{countersErr: errors.New("auth rejected")}
	p := NewMeterPoller(nil, src, nil, nil, "a", func() string { return "h" }, time.Hour)
	assert.Zero(t, p.RunOnce(context.Background()))
}

func TestMeterPoller_StopIsIdempotent(t *testing.T) {
	p := NewMeterPoller(nil, &fakeSource{}, nil, nil, "a", func() string { return "h" }, time.Hour)
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	p.Stop()
	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRefresher) RefreshIfExpiring(context.Context, time.Duration) (bool, error) {
	f.calls.Add(1)
	return f.err == nil, f.err
}

func TestSessionKeeper_TicksUntilCancelled(t *testing.T) {
	ref := &fakeRefresher{}
	k := NewSessionKeeper(zap.NewNop(), ref, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return ref.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSessionKeeper_ErrorDoesNotStopLoop(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("refresh rejected")}
	k := NewSessionKeeper(nil, ref, 5*time.Millisecond, time.Minute)

	go k.Start(context.Background())
	defer k.Stop()

	assert.Eventually(t, func() bool { return ref.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}
