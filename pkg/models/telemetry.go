package models

import "time"

// Telemetry sample types for position history. Estimated positions come
// from traceroute midpoint interpolation and must never be treated as
// ground truth.
const (
	TelemetryLatitude           = "latitude"
	TelemetryLongitude          = "longitude"
	TelemetryAltitude           = "altitude"
	TelemetryLatitudeEstimated  = "latitude_estimated"
	TelemetryLongitudeEstimated = "longitude_estimated"
)

// TelemetrySample is one append-only metric observation for a node.
type TelemetrySample struct {
	ID        int64     `db:"id"`
	NodeID    string    `db:"node_id"`
	Type      string    `db:"type"`
	Timestamp time.Time `db:"timestamp"`
	Value     float64   `db:"value"`
	Unit      string    `db:"unit"`

	// Optional context for position samples.
	ChannelIdx    *int64 `db:"channel_idx"`
	PrecisionBits *int64 `db:"precision_bits"`
	Accuracy      *int64 `db:"accuracy"`
}
