package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

var (
	// ErrNotFound is returned when no data is available for a given label.
	ErrNotFound = errors.New("no telemetry for label")
)

// RecordHistory holds a time-ordered list of records for a label.
type RecordHistory struct {
	Records []telemetry.Record
}

// MemoryStore is a concurrency-safe in-memory telemetry sink.
type MemoryStore struct {
	mu sync.RWMutex

	// key: label, value: history
	data map[string]*RecordHistory

	// retention configuration
	maxHistory int           // max number of records per label
	maxAge     time.Duration // optional max age for records
	now        func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*RecordHistory),
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// StoreData appends a record for its label and enforces retention.
func (s *MemoryStore) StoreData(_ context.Context, rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[rec.Label]
	if !ok {
		history = &RecordHistory{}
		s.data[rec.Label] = history
	}

	history.Records = append(history.Records, rec)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Records) > s.maxHistory {
		over := len(history.Records) - s.maxHistory
		history.Records = history.Records[over:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Records); i++ {
			if !history.Records[i].Timestamp.Before(cutoff) {
				break
			}
		}
		history.Records = history.Records[i:]
	}
	return nil
}

// Labels returns every label that has data, sorted.
func (s *MemoryStore) Labels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.data))
	for label, h := range s.data {
		if len(h.Records) > 0 {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// GetLatest returns the most recent record of each kind for a label.
func (s *MemoryStore) GetLatest(label string) ([]telemetry.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[label]
	if !ok || len(history.Records) == 0 {
		return nil, ErrNotFound
	}

	latest := make(map[telemetry.Kind]telemetry.Record)
	for _, rec := range history.Records {
		if cur, ok := latest[rec.Kind]; !ok || !rec.Timestamp.Before(cur.Timestamp) {
			latest[rec.Kind] = rec
		}
	}

	result := make([]telemetry.Record, 0, len(latest))
	for _, rec := range latest {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind < result[j].Kind })
	return result, nil
}

// GetRange returns records for a label between from and to (inclusive).
// An empty kind matches every kind.
func (s *MemoryStore) GetRange(label string, kind telemetry.Kind, from, to time.Time) ([]telemetry.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[label]
	if !ok || len(history.Records) == 0 {
		return nil, ErrNotFound
	}

	var result []telemetry.Record
	for _, rec := range history.Records {
		if kind != "" && rec.Kind != kind {
			continue
		}
		if !rec.Timestamp.Before(from) && !rec.Timestamp.After(to) {
			result = append(result, rec)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}

	return result, nil
}
