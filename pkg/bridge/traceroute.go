package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

// snrUnknown is the sentinel the radio reports for hops whose SNR was
// not measured.
const snrUnknown = math.MinInt8

// Reconstructor turns raw route-discovery responses into annotated path
// strings, distance-tagged route segments, and midpoint position
// estimates for intermediate nodes without a fix.
type Reconstructor struct {
	log         *slog.Logger
	nodes       store.NodeStore
	traceroutes store.TracerouteStore
	telemetry   store.TelemetryStore
}

func NewReconstructor(stores *store.Stores, log *slog.Logger) *Reconstructor {
	return &Reconstructor{
		log:         log,
		nodes:       stores.Nodes,
		traceroutes: stores.Traceroutes,
		telemetry:   stores.Telemetry,
	}
}

// RoutePath is the reconstructed view of one traceroute response.
type RoutePath struct {
	TracerouteID int64
	// ForwardText and ReturnText are human-readable hop chains annotated
	// with SNR and distance per link.
	ForwardText string
	ReturnText  string
	// HopCount is the number of nodes on the forward path, endpoints
	// included.
	HopCount int
	// TotalKm accumulates the link distances known on the forward path.
	TotalKm float64
}

// Process persists and reconstructs one traceroute response. The packet
// comes from the traced node back to the requester, so pkt.To is the
// origin of the trace and pkt.From its target. Hop arrays list only the
// intermediate relays; the endpoints are implied.
func (r *Reconstructor) Process(pkt *pb.MeshPacket, disco *pb.RouteDiscovery, now time.Time) (*RoutePath, error) {
	origin := pkt.GetTo()
	target := pkt.GetFrom()

	tr := &models.Traceroute{
		FromNodeNum: origin,
		ToNodeNum:   target,
		ForwardHops: marshalUints(disco.GetRoute()),
		ReturnHops:  marshalUints(disco.GetRouteBack()),
		ForwardSnr:  marshalInts(disco.GetSnrTowards()),
		ReturnSnr:   marshalInts(disco.GetSnrBack()),
		CreatedAt:   now,
	}
	id, err := r.traceroutes.InsertTraceroute(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to persist traceroute: %w", err)
	}

	forward := buildHopSequence(origin, disco.GetRoute(), target)
	ret := buildHopSequence(target, disco.GetRouteBack(), origin)

	r.estimateMissingPositions(forward, now)

	forwardText, totalKm := r.renderPath(forward, disco.GetSnrTowards())
	returnText, _ := r.renderPath(ret, disco.GetSnrBack())

	r.recordSegments(id, forward, now)

	return &RoutePath{
		TracerouteID: id,
		ForwardText:  forwardText,
		ReturnText:   returnText,
		HopCount:     len(forward),
		TotalKm:      totalKm,
	}, nil
}

func buildHopSequence(from uint32, relays []uint32, to uint32) []uint32 {
	seq := make([]uint32, 0, len(relays)+2)
	seq = append(seq, from)
	seq = append(seq, relays...)
	return append(seq, to)
}

// renderPath formats the hop chain, annotating each link with the SNR of
// the receiving hop (quarter-decibel units on the wire) and the
// great-circle distance when both endpoints have positions.
func (r *Reconstructor) renderPath(seq []uint32, snrRaw []int32) (string, float64) {
	var b strings.Builder
	var totalKm float64

	for i, num := range seq {
		if i > 0 {
			b.WriteString(" → ")
		}
		b.WriteString(r.displayName(num))

		if i == 0 {
			continue
		}

		var parts []string
		if i-1 < len(snrRaw) && snrRaw[i-1] != snrUnknown {
			parts = append(parts, fmt.Sprintf("%.2fdB", float64(snrRaw[i-1])/4))
		}
		if km, ok := r.linkDistanceKm(seq[i-1], num); ok {
			totalKm += km
			parts = append(parts, fmt.Sprintf("%.1fkm", km))
		}
		if len(parts) > 0 {
			b.WriteString(" (" + strings.Join(parts, ", ") + ")")
		}
	}

	return b.String(), totalKm
}

func (r *Reconstructor) displayName(num uint32) string {
	node, err := r.nodes.GetNode(num)
	if err != nil || node == nil {
		return models.NodeIDFromNum(num)
	}
	return node.DisplayName()
}

func (r *Reconstructor) linkDistanceKm(a, b uint32) (float64, bool) {
	na, err := r.nodes.GetNode(a)
	if err != nil || na == nil || !na.HasPosition() {
		return 0, false
	}
	nb, err := r.nodes.GetNode(b)
	if err != nil || nb == nil || !nb.HasPosition() {
		return 0, false
	}
	return haversineKm(*na.Latitude, *na.Longitude, *nb.Latitude, *nb.Longitude), true
}

// estimateMissingPositions assigns a midpoint position estimate to any
// intermediate node without a fix whose path neighbors both have one.
// Estimates are stored as distinctly typed telemetry samples and never
// written back to the node record.
func (r *Reconstructor) estimateMissingPositions(seq []uint32, now time.Time) {
	for i := 1; i < len(seq)-1; i++ {
		node, err := r.nodes.GetNode(seq[i])
		if err != nil || node == nil || node.HasPosition() {
			continue
		}

		prev, err := r.nodes.GetNode(seq[i-1])
		if err != nil || prev == nil || !prev.HasPosition() {
			continue
		}
		next, err := r.nodes.GetNode(seq[i+1])
		if err != nil || next == nil || !next.HasPosition() {
			continue
		}

		lat := (*prev.Latitude + *next.Latitude) / 2
		lon := (*prev.Longitude + *next.Longitude) / 2

		for sampleType, value := range map[string]float64{
			models.TelemetryLatitudeEstimated:  lat,
			models.TelemetryLongitudeEstimated: lon,
		} {
			sample := &models.TelemetrySample{
				NodeID:    node.NodeID,
				Type:      sampleType,
				Timestamp: now,
				Value:     value,
				Unit:      "°",
			}
			if err := r.telemetry.InsertSample(sample); err != nil {
				r.log.Error("failed to store estimated position", "nodeId", node.NodeID, "error", err)
			}
		}

		r.log.Debug("estimated position from route midpoint",
			"nodeId", node.NodeID, "latitude", lat, "longitude", lon)
	}
}

// recordSegments persists each forward link with a known distance and
// keeps the longest-link record flag current.
func (r *Reconstructor) recordSegments(tracerouteID int64, seq []uint32, now time.Time) {
	record, err := r.traceroutes.LongestSegment()
	if err != nil {
		r.log.Error("failed to load longest segment", "error", err)
		return
	}
	recordKm := 0.0
	if record != nil {
		recordKm = record.DistanceKm
	}

	for i := 1; i < len(seq); i++ {
		km, ok := r.linkDistanceKm(seq[i-1], seq[i])
		if !ok {
			continue
		}

		isRecord := km > recordKm
		if isRecord {
			if err := r.traceroutes.ClearRecordHolder(); err != nil {
				r.log.Error("failed to clear segment record flag", "error", err)
			}
			recordKm = km
		}

		seg := &models.RouteSegment{
			TracerouteID:   tracerouteID,
			NodeA:          seq[i-1],
			NodeB:          seq[i],
			DistanceKm:     km,
			IsRecordHolder: isRecord,
			CreatedAt:      now,
		}
		if err := r.traceroutes.InsertSegment(seg); err != nil {
			r.log.Error("failed to persist route segment", "error", err)
		}
	}
}

func marshalUints(vals []uint32) string {
	if vals == nil {
		vals = []uint32{}
	}
	raw, _ := json.Marshal(vals)
	return string(raw)
}

func marshalInts(vals []int32) string {
	if vals == nil {
		vals = []int32{}
	}
	raw, _ := json.Marshal(vals)
	return string(raw)
}

// haversineKm returns the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
