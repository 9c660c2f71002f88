package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/netatmo-telemetry/internal/common"
	"github.com/i474232898/netatmo-telemetry/internal/i18n"
	"github.com/i474232898/netatmo-telemetry/internal/locations"
	"github.com/i474232898/netatmo-telemetry/internal/netatmo"
	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

var (
	ErrMissingCredentials = errors.New("no credentials provided")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNoDevice           = errors.New("no netatmo device found")
	ErrNotReady           = errors.New("poller is not initialized")
)

// Modules whose readings belong to the outdoor location rather than a room.
const (
	moduleWind = "Wind"
	moduleRain = "Rain"
)

const (
	defaultAuthAttempts   = 3
	defaultAuthRetryDelay = time.Second
	defaultService        = "Netatmo"
)

// Vendor abstracts the weather-station cloud API.
type Vendor interface {
	Authenticate(ctx context.Context, creds netatmo.Credentials, scope string) (*netatmo.Session, error)
	FetchLatestReadings(ctx context.Context, session *netatmo.Session) (netatmo.Snapshot, error)
}

// Locations resolves labels to registered locations.
type Locations interface {
	GetLocation(name string) (locations.Location, bool)
}

// Localizer returns translated strings for a key, most preferred first.
type Localizer interface {
	Strings(key string) []string
}

// State is the lifecycle state of a Poller.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateReady           State = "ready"
)

// Config holds the poller settings.
type Config struct {
	Credentials netatmo.Credentials

	// Service identifies this source on every record.
	Service string

	AuthAttempts   int
	AuthRetryDelay time.Duration
}

// Status is a point-in-time view used for health reporting.
type Status struct {
	State       State      `json:"state"`
	LastPoll    *time.Time `json:"lastPoll,omitempty"`
	LastRecords int        `json:"lastRecords"`
	LastError   string     `json:"lastError,omitempty"`
}

// Poller authenticates once and then forwards station readings to a sink on every tick.
type Poller struct {
	cfg       Config
	vendor    Vendor
	locations Locations
	localizer Localizer
	sink      telemetry.Sink
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu      sync.RWMutex
	session *netatmo.Session
	status  Status
}

// New creates a new Poller.
func New(cfg Config, vendor Vendor, locs Locations, localizer Localizer, sink telemetry.Sink, logger *zap.SugaredLogger) *Poller {
	if cfg.AuthAttempts <= 0 {
		cfg.AuthAttempts = defaultAuthAttempts
	}
	if cfg.AuthRetryDelay < 0 {
		cfg.AuthRetryDelay = defaultAuthRetryDelay
	}
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Poller{
		cfg:       cfg,
		vendor:    vendor,
		locations: locs,
		localizer: localizer,
		sink:      sink,
		logger:    logger.With("service", cfg.Service),
		now:       time.Now,
		status:    Status{State: StateUnauthenticated},
	}
}

// Status returns the current poller status.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Initialize authenticates and confirms a station exists. Any error means
// the poller must not be started.
func (p *Poller) Initialize(ctx context.Context) error {
	if p.Status().State == StateReady {
		return nil
	}

	if p.cfg.Credentials.Empty() {
		return ErrMissingCredentials
	}

	session, err := p.authenticate(ctx)
	if err != nil {
		return err
	}

	if _, err := p.vendor.FetchLatestReadings(ctx, session); err != nil {
		if errors.Is(err, netatmo.ErrNoDevice) {
			return ErrNoDevice
		}
		return fmt.Errorf("initial fetch: %w", err)
	}

	p.mu.Lock()
	p.session = session
	p.status.State = StateReady
	p.mu.Unlock()

	p.logger.Infow("poller ready")
	return nil
}

// authenticate tries up to AuthAttempts times, waiting AuthRetryDelay between tries.
func (p *Poller) authenticate(ctx context.Context) (*netatmo.Session, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		authAttempts.Inc()

		session, err := p.vendor.Authenticate(ctx, p.cfg.Credentials, netatmo.ScopeReadStation)
		if err == nil {
			return session, nil
		}
		lastErr = err

		p.logger.Warnw("authentication failed", "attempt", attempt, "max", p.cfg.AuthAttempts, "error", err)
		if attempt >= p.cfg.AuthAttempts {
			break
		}

		timer := time.NewTimer(p.cfg.AuthRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrAuthFailed, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w: tried %d times, giving up: %w", ErrAuthFailed, p.cfg.AuthAttempts, lastErr)
}

// OnTick fetches a fresh snapshot and stores every mapped reading. A failed
// fetch fails this cycle only.
func (p *Poller) OnTick(ctx context.Context) error {
	p.mu.RLock()
	session, state := p.session, p.status.State
	p.mu.RUnlock()

	if state != StateReady {
		return ErrNotReady
	}

	pollsTotal.Inc()
	now := p.now().UTC()

	snap, err := p.vendor.FetchLatestReadings(ctx, session)
	if err != nil {
		pollFailures.Inc()
		p.recordPoll(now, 0, err)
		return fmt.Errorf("fetch latest readings: %w", err)
	}

	outside := p.outsideLabel()
	var emitted int

	for module, fields := range snap {
		label := module
		if common.EqualsAny(module, moduleWind, moduleRain) {
			label = outside
		}
		label = common.NormalizeLabel(label)

		var locationID string
		if loc, ok := p.locations.GetLocation(label); ok {
			locationID = loc.ID
		} else {
			unresolvedLabels.Inc()
			p.logger.Infow("got telemetry data for not existing location", "location", label)
		}

		for field, raw := range fields {
			kind, ok := telemetry.KindForField(field)
			if !ok {
				fieldsDropped.Inc()
				continue
			}

			value, err := common.ToFloat(raw)
			if err != nil {
				fieldsDropped.Inc()
				p.logger.Debugw("dropping non-numeric reading", "location", label, "field", field, "error", err)
				continue
			}

			rec := telemetry.Record{
				Kind:       kind,
				Value:      value,
				Service:    p.cfg.Service,
				Timestamp:  now,
				Label:      label,
				LocationID: locationID,
			}
			if err := p.sink.StoreData(ctx, rec); err != nil {
				sinkErrors.Inc()
				p.logger.Errorw("failed to store telemetry", "location", label, "kind", kind, "error", err)
				continue
			}
			recordsEmitted.WithLabelValues(string(kind)).Inc()
			emitted++
		}
	}

	p.recordPoll(now, emitted, nil)
	p.logger.Debugw("poll completed", "records", emitted, "modules", len(snap))
	return nil
}

func (p *Poller) outsideLabel() string {
	if p.localizer != nil {
		if s := p.localizer.Strings(i18n.KeyOutside); len(s) > 0 && s[0] != "" {
			return s[0]
		}
	}
	return i18n.KeyOutside
}

func (p *Poller) recordPoll(at time.Time, records int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.LastPoll = &at
	p.status.LastRecords = records
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
}
