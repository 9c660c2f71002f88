package store

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire form of a record published to brokers.
//
// example:
// `{"ts": 1704110400000, "label": "outside", "service": "Netatmo", "values": {"RAIN": 0.4}}`
type Envelope struct {
	// Unix timestamp in milliseconds
	Timestamp  int64              `json:"ts"`
	Label      string             `json:"label"`
	LocationID string             `json:"locationId,omitempty"`
	Service    string             `json:"service"`
	Values     map[string]float64 `json:"values"`
}

func encodeRecord(rec telemetry.Record) ([]byte, error) {
	return json.Marshal(Envelope{
		Timestamp:  rec.Timestamp.UnixMilli(),
		Label:      rec.Label,
		LocationID: rec.LocationID,
		Service:    rec.Service,
		Values:     map[string]float64{string(rec.Kind): rec.Value},
	})
}
