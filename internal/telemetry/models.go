package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Kind is a sensor measurement category recognized by the telemetry store.
type Kind string

const (
	KindTemperature  Kind = "TEMPERATURE"
	KindCO2          Kind = "CO2"
	KindHumidity     Kind = "HUMIDITY"
	KindNoise        Kind = "NOISE"
	KindPressure     Kind = "PRESSURE"
	KindRain         Kind = "RAIN"
	KindSumRain1     Kind = "SUM_RAIN_1"
	KindSumRain24    Kind = "SUM_RAIN_24"
	KindWindStrength Kind = "WIND_STRENGTH"
	KindWindAngle    Kind = "WIND_ANGLE"
	KindGustStrength Kind = "GUST_STRENGTH"
	KindGustAngle    Kind = "GUST_ANGLE"
)

// fieldKinds maps vendor dashboard field names onto kinds.
// It is never mutated after package initialization.
var fieldKinds = map[string]Kind{
	"Temperature":  KindTemperature,
	"CO2":          KindCO2,
	"Humidity":     KindHumidity,
	"Noise":        KindNoise,
	"Pressure":     KindPressure,
	"Rain":         KindRain,
	"sum_rain_1":   KindSumRain1,
	"sum_rain_24":  KindSumRain24,
	"WindStrength": KindWindStrength,
	"WindAngle":    KindWindAngle,
	"GustStrength": KindGustStrength,
	"GustAngle":    KindGustAngle,
}

var allKinds = []Kind{
	KindTemperature,
	KindCO2,
	KindHumidity,
	KindNoise,
	KindPressure,
	KindRain,
	KindSumRain1,
	KindSumRain24,
	KindWindStrength,
	KindWindAngle,
	KindGustStrength,
	KindGustAngle,
}

// KindForField returns the kind for a vendor field name.
// The boolean is false for fields that have no kind.
func KindForField(field string) (Kind, bool) {
	k, ok := fieldKinds[field]
	return k, ok
}

// Kinds returns every known kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	want := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, k := range allKinds {
		if k == want {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown telemetry kind %q", s)
}

// Record is a single reading ready to be stored.
type Record struct {
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"` // always UTC
	Label     string    `json:"label"`

	// LocationID is empty when the label did not resolve to a registered location.
	LocationID string `json:"locationId,omitempty"`
}

// Sink is the contract every telemetry destination must satisfy.
type Sink interface {
	StoreData(ctx context.Context, rec Record) error
}

// MultiSink forwards each record to all of its sinks.
type MultiSink []Sink

// StoreData stores rec in every sink and returns the combined errors.
func (m MultiSink) StoreData(ctx context.Context, rec Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.StoreData(ctx, rec))
	}
	return err
}
