package models

import "time"

// Traceroute is one completed route discovery between two nodes. Hop and
// SNR arrays are stored JSON-encoded; SNR values are raw quarter-decibel
// units as reported by the radio (divide by 4 for dB).
type Traceroute struct {
	ID          int64     `db:"id"`
	FromNodeNum uint32    `db:"from_node_num"`
	ToNodeNum   uint32    `db:"to_node_num"`
	ForwardHops string    `db:"forward_hops"`
	ReturnHops  string    `db:"return_hops"`
	ForwardSnr  string    `db:"forward_snr"`
	ReturnSnr   string    `db:"return_snr"`
	CreatedAt   time.Time `db:"created_at"`
}

// RouteSegment is one direct link observed inside a traceroute, with the
// great-circle distance between its endpoints when both have positions.
type RouteSegment struct {
	ID           int64     `db:"id"`
	TracerouteID int64     `db:"traceroute_id"`
	NodeA        uint32    `db:"node_a"`
	NodeB        uint32    `db:"node_b"`
	DistanceKm   float64   `db:"distance_km"`
	// IsRecordHolder marks the longest direct link seen so far.
	IsRecordHolder bool      `db:"is_record_holder"`
	CreatedAt      time.Time `db:"created_at"`
}
