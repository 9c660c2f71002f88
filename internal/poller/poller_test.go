package poller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/i474232898/netatmo-telemetry/internal/locations"
	"github.com/i474232898/netatmo-telemetry/internal/netatmo"
	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

type fakeVendor struct {
	mu sync.Mutex

	authFailures int // number of leading Authenticate calls that fail
	authCalls    int
	authTimes    []time.Time

	snapshots []netatmo.Snapshot // returned in order; last one repeats
	fetchErr  error
	fetches   int
}

func (f *fakeVendor) Authenticate(_ context.Context, _ netatmo.Credentials, scope string) (*netatmo.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.authCalls++
	f.authTimes = append(f.authTimes, time.Now())
	if scope != netatmo.ScopeReadStation {
		return nil, errors.New("bad scope")
	}
	if f.authCalls <= f.authFailures {
		return nil, errors.New("vendor unavailable")
	}
	return &netatmo.Session{}, nil
}

func (f *fakeVendor) FetchLatestReadings(_ context.Context, _ *netatmo.Session) (netatmo.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.snapshots) == 0 {
		return netatmo.Snapshot{}, nil
	}
	i := f.fetches - 1
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	return f.snapshots[i], nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (s *recordingSink) StoreData(_ context.Context, rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) take() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.records
	s.records = nil
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

type staticLocalizer []string

func (l staticLocalizer) Strings(string) []string { return l }

func validConfig() Config {
	return Config{
		Credentials:    netatmo.Credentials{ClientID: "id", ClientSecret: "cs", Username: "u", Password: "p"},
		Service:        "Netatmo",
		AuthAttempts:   3,
		AuthRetryDelay: 10 * time.Millisecond,
	}
}

func newTestPoller(t *testing.T, cfg Config, v *fakeVendor, sink *recordingSink, logger *zap.SugaredLogger) *Poller {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t).Sugar()
	}
	return New(cfg, v, locations.NewRegistry("kitchen", "outside"), staticLocalizer{"outside"}, sink, logger)
}

func TestInitializeMissingPasswordMakesNoAuthAttempt(t *testing.T) {
	v := &fakeVendor{}
	cfg := validConfig()
	cfg.Credentials.Password = ""
	p := newTestPoller(t, cfg, v, &recordingSink{}, nil)

	err := p.Initialize(context.Background())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if v.authCalls != 0 {
		t.Fatalf("expected zero auth attempts, got %d", v.authCalls)
	}
	if p.Status().State != StateUnauthenticated {
		t.Fatalf("expected state %s, got %s", StateUnauthenticated, p.Status().State)
	}
}

func TestInitializeGivesUpAfterThreeAttempts(t *testing.T) {
	v := &fakeVendor{authFailures: 100}
	cfg := validConfig()
	p := newTestPoller(t, cfg, v, &recordingSink{}, nil)

	before := testutil.ToFloat64(authAttempts)
	err := p.Initialize(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if v.authCalls != 3 {
		t.Fatalf("expected 3 auth attempts, got %d", v.authCalls)
	}
	if got := testutil.ToFloat64(authAttempts) - before; got != 3 {
		t.Fatalf("expected auth counter to grow by 3, got %v", got)
	}
	for i := 1; i < len(v.authTimes); i++ {
		if gap := v.authTimes[i].Sub(v.authTimes[i-1]); gap < cfg.AuthRetryDelay {
			t.Fatalf("retry %d happened after %v, expected at least %v", i, gap, cfg.AuthRetryDelay)
		}
	}
	if v.fetches != 0 {
		t.Fatalf("expected no fetch after failed auth, got %d", v.fetches)
	}
}

func TestInitializeRecoversOnThirdAttempt(t *testing.T) {
	v := &fakeVendor{authFailures: 2, snapshots: []netatmo.Snapshot{{"kitchen": {"Temperature": 20.0}}}}
	p := newTestPoller(t, validConfig(), v, &recordingSink{}, nil)

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.authCalls != 3 {
		t.Fatalf("expected 3 auth attempts, got %d", v.authCalls)
	}
	if p.Status().State != StateReady {
		t.Fatalf("expected ready state, got %s", p.Status().State)
	}
}

func TestInitializeStopsRetryingWhenContextIsDone(t *testing.T) {
	v := &fakeVendor{authFailures: 100}
	cfg := validConfig()
	cfg.AuthRetryDelay = time.Hour
	p := newTestPoller(t, cfg, v, &recordingSink{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Initialize(ctx)
	if !errors.Is(err, ErrAuthFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected auth failure caused by deadline, got %v", err)
	}
	if v.authCalls != 1 {
		t.Fatalf("expected 1 auth attempt, got %d", v.authCalls)
	}
}

func TestInitializeNoDevice(t *testing.T) {
	v := &fakeVendor{fetchErr: netatmo.ErrNoDevice}
	p := newTestPoller(t, validConfig(), v, &recordingSink{}, nil)

	err := p.Initialize(context.Background())
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if errors.Is(err, ErrAuthFailed) {
		t.Fatalf("no-device must be distinct from auth failure")
	}
	if p.Status().State != StateUnauthenticated {
		t.Fatalf("poller must not become ready without a device")
	}
}

func TestOnTickBeforeInitialize(t *testing.T) {
	p := newTestPoller(t, validConfig(), &fakeVendor{}, &recordingSink{}, nil)
	if err := p.OnTick(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func readyPoller(t *testing.T, snap netatmo.Snapshot, logger *zap.SugaredLogger) (*Poller, *fakeVendor, *recordingSink) {
	t.Helper()
	v := &fakeVendor{snapshots: []netatmo.Snapshot{snap}}
	sink := &recordingSink{}
	p := newTestPoller(t, validConfig(), v, sink, logger)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return p, v, sink
}

func TestOnTickEmitsKnownFieldsAndDropsUnknown(t *testing.T) {
	p, _, sink := readyPoller(t, netatmo.Snapshot{
		"kitchen": {"Temperature": 21.5, "UnknownField": 99},
	}, nil)

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recs := sink.take()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d: %+v", len(recs), recs)
	}
	r := recs[0]
	if r.Kind != telemetry.KindTemperature || r.Value != 21.5 || r.Label != "kitchen" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.Service != "Netatmo" {
		t.Fatalf("expected service Netatmo, got %q", r.Service)
	}
	if r.LocationID == "" {
		t.Fatalf("expected kitchen to resolve to a location id")
	}
}

func TestOnTickEveryKnownFieldEmitsExactlyOneRecord(t *testing.T) {
	fields := map[string]any{
		"Temperature": 1.0, "CO2": 2.0, "Humidity": 3.0, "Noise": 4.0, "Pressure": 5.0, "Rain": 6.0,
		"sum_rain_1": 7.0, "sum_rain_24": 8.0, "WindStrength": 9.0, "WindAngle": 10.0,
		"GustStrength": 11.0, "GustAngle": 12.0,
	}
	p, _, sink := readyPoller(t, netatmo.Snapshot{"kitchen": fields}, nil)

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recs := sink.take()
	if len(recs) != len(fields) {
		t.Fatalf("expected %d records, got %d", len(fields), len(recs))
	}
	seen := make(map[telemetry.Kind]int)
	for _, r := range recs {
		seen[r.Kind]++
	}
	for field := range fields {
		k, _ := telemetry.KindForField(field)
		if seen[k] != 1 {
			t.Fatalf("expected exactly one %s record, got %d", k, seen[k])
		}
	}
}

func TestOnTickRelabelsWindAndRainToOutside(t *testing.T) {
	p, _, sink := readyPoller(t, netatmo.Snapshot{
		"Wind": {"WindStrength": 12},
		"Rain": {"Rain": 0.4},
	}, nil)

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recs := sink.take()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Kind != telemetry.KindRain || recs[0].Value != 0.4 {
		t.Fatalf("unexpected rain record: %+v", recs[0])
	}
	if recs[1].Kind != telemetry.KindWindStrength || recs[1].Value != 12 {
		t.Fatalf("unexpected wind record: %+v", recs[1])
	}
	for _, r := range recs {
		if r.Label != "outside" {
			t.Fatalf("expected label outside, got %q", r.Label)
		}
	}
}

func TestOnTickUsesOneTimestampPerCycle(t *testing.T) {
	p, _, sink := readyPoller(t, netatmo.Snapshot{
		"kitchen": {"Temperature": 21.5, "Humidity": 40, "CO2": 500},
		"Wind":    {"WindStrength": 12, "WindAngle": 90},
	}, nil)

	ticks := []time.Time{
		time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC),
	}
	var i int
	p.now = func() time.Time { ts := ticks[i]; i++; return ts }

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := sink.take()
	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := sink.take()

	if len(first) != 5 || len(second) != 5 {
		t.Fatalf("expected 5 records per cycle, got %d and %d", len(first), len(second))
	}
	for j := range first {
		if !first[j].Timestamp.Equal(ticks[0]) || !second[j].Timestamp.Equal(ticks[1]) {
			t.Fatalf("expected cycle timestamps, got %v and %v", first[j].Timestamp, second[j].Timestamp)
		}
		a, b := first[j], second[j]
		a.Timestamp, b.Timestamp = time.Time{}, time.Time{}
		if a != b {
			t.Fatalf("records differ beyond timestamp: %+v vs %+v", a, b)
		}
	}
}

func TestOnTickUnresolvedLocationIsEmittedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p, _, sink := readyPoller(t, netatmo.Snapshot{"Attic": {"Temperature": 30}}, zap.New(core).Sugar())

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recs := sink.take()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Label != "attic" || recs[0].LocationID != "" {
		t.Fatalf("expected raw lower-case label and no location id, got %+v", recs[0])
	}

	entries := logs.FilterMessage("got telemetry data for not existing location").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 unresolved-location log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["location"]; got != "attic" {
		t.Fatalf("expected location field attic, got %v", got)
	}
}

func TestOnTickDropsNonNumericValues(t *testing.T) {
	p, _, sink := readyPoller(t, netatmo.Snapshot{"kitchen": {
		"Temperature": "warm",
		"Humidity":    "45",
		"Pressure":    "NaN",
		"Noise":       "-Inf",
		"CO2":         math.Inf(1),
	}}, nil)

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs := sink.take()
	if len(recs) != 1 || recs[0].Kind != telemetry.KindHumidity || recs[0].Value != 45 {
		t.Fatalf("expected only the numeric humidity record, got %+v", recs)
	}
	for _, rec := range recs {
		if _, err := json.Marshal(rec); err != nil {
			t.Fatalf("record must stay encodable: %v", err)
		}
	}
}

func TestOnTickFetchErrorFailsOnlyThatCycle(t *testing.T) {
	p, v, sink := readyPoller(t, netatmo.Snapshot{"kitchen": {"Temperature": 21.5}}, nil)

	v.mu.Lock()
	v.fetchErr = errors.New("api down")
	v.mu.Unlock()

	if err := p.OnTick(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	if st := p.Status(); st.State != StateReady || st.LastError == "" {
		t.Fatalf("expected ready state with last error, got %+v", st)
	}

	v.mu.Lock()
	v.fetchErr = nil
	v.mu.Unlock()

	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if n := len(sink.take()); n != 1 {
		t.Fatalf("expected 1 record after recovery, got %d", n)
	}
	if st := p.Status(); st.LastError != "" || st.LastRecords != 1 {
		t.Fatalf("expected clean status, got %+v", st)
	}
}

func TestOnTickSinkErrorsDoNotStopTheCycle(t *testing.T) {
	p, _, sink := readyPoller(t, netatmo.Snapshot{"kitchen": {"Temperature": 21.5, "Humidity": 40}}, nil)
	sink.err = errors.New("store unavailable")

	before := testutil.ToFloat64(sinkErrors)
	storedBefore := testutil.ToFloat64(recordsEmitted.WithLabelValues(string(telemetry.KindTemperature)))
	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("sink errors must not fail the cycle, got %v", err)
	}
	if n := len(sink.take()); n != 2 {
		t.Fatalf("expected both records to be attempted, got %d", n)
	}
	if got := testutil.ToFloat64(sinkErrors) - before; got != 2 {
		t.Fatalf("expected 2 sink errors, got %v", got)
	}
	if got := testutil.ToFloat64(recordsEmitted.WithLabelValues(string(telemetry.KindTemperature))) - storedBefore; got != 0 {
		t.Fatalf("failed stores must not count as emitted, got %v", got)
	}
	if st := p.Status(); st.LastRecords != 0 {
		t.Fatalf("expected no stored records, got %d", st.LastRecords)
	}
}

func TestStatusOmitsLastPollBeforeFirstPoll(t *testing.T) {
	p := newTestPoller(t, validConfig(), &fakeVendor{}, &recordingSink{}, nil)

	data, err := json.Marshal(p.Status())
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if string(data) != `{"state":"`+string(StateUnauthenticated)+`","lastRecords":0}` {
		t.Fatalf("unexpected status %s", data)
	}

	p, _, _ = readyPoller(t, netatmo.Snapshot{"kitchen": {"Temperature": 21.5}}, nil)
	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := p.Status(); st.LastPoll == nil || st.LastPoll.IsZero() {
		t.Fatalf("expected last poll time, got %+v", st)
	}
}

func TestOutsideLabelFallsBackWithoutTranslation(t *testing.T) {
	v := &fakeVendor{snapshots: []netatmo.Snapshot{{"Rain": {"Rain": 1}}}}
	sink := &recordingSink{}
	p := New(validConfig(), v, locations.NewRegistry(), staticLocalizer{}, sink, zaptest.NewLogger(t).Sugar())
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.OnTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recs := sink.take(); len(recs) != 1 || recs[0].Label != "outside" {
		t.Fatalf("expected fallback outside label, got %+v", recs)
	}
}
