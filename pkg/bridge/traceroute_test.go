package bridge

import (
	"strings"
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

func placeNode(t *testing.T, stores *store.Stores, num uint32, name string, lat, lon float64) {
	t.Helper()
	node := &models.Node{
		NodeNum:   num,
		NodeID:    models.NodeIDFromNum(num),
		LongName:  name,
		Latitude:  &lat,
		Longitude: &lon,
	}
	if err := stores.Nodes.UpsertNode(node); err != nil {
		t.Fatalf("failed to place node: %v", err)
	}
}

func TestTracerouteHopCount(t *testing.T) {
	stores := openTestStores(t)
	r := NewReconstructor(stores, testLogger())

	placeNode(t, stores, 1, "Origin", 52.0, 4.0)
	placeNode(t, stores, 2, "RelayA", 52.1, 4.1)
	placeNode(t, stores, 3, "RelayB", 52.2, 4.2)
	placeNode(t, stores, 4, "Target", 52.3, 4.3)

	pkt := &pb.MeshPacket{From: 4, To: 1}
	disco := &pb.RouteDiscovery{
		Route:      []uint32{2, 3},
		SnrTowards: []int32{-20, 8, 12},
		RouteBack:  []uint32{3, 2},
		SnrBack:    []int32{4, 4, 4},
	}

	path, err := r.Process(pkt, disco, time.Now())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	// Two relays plus both endpoints.
	if path.HopCount != len(disco.Route)+2 {
		t.Fatalf("hop count = %d, want %d", path.HopCount, len(disco.Route)+2)
	}

	for _, name := range []string{"Origin", "RelayA", "RelayB", "Target"} {
		if !strings.Contains(path.ForwardText, name) {
			t.Fatalf("forward text %q missing %s", path.ForwardText, name)
		}
	}
	// -20 quarter-dB is -5 dB on the first link.
	if !strings.Contains(path.ForwardText, "-5.00dB") {
		t.Fatalf("forward text %q missing SNR annotation", path.ForwardText)
	}
	if path.TotalKm <= 0 {
		t.Fatalf("total distance = %f, want > 0", path.TotalKm)
	}

	trs, err := stores.Traceroutes.GetRecent(1)
	if err != nil || len(trs) != 1 {
		t.Fatalf("traceroute not persisted: %v", err)
	}
	if trs[0].FromNodeNum != 1 || trs[0].ToNodeNum != 4 {
		t.Fatalf("persisted endpoints %d -> %d", trs[0].FromNodeNum, trs[0].ToNodeNum)
	}
	if trs[0].ForwardHops != "[2,3]" {
		t.Fatalf("persisted forward hops %q", trs[0].ForwardHops)
	}
}

func TestTracerouteRecordSegment(t *testing.T) {
	stores := openTestStores(t)
	r := NewReconstructor(stores, testLogger())

	placeNode(t, stores, 1, "A", 52.0, 4.0)
	placeNode(t, stores, 2, "B", 52.5, 4.0)

	pkt := &pb.MeshPacket{From: 2, To: 1}
	if _, err := r.Process(pkt, &pb.RouteDiscovery{SnrTowards: []int32{4}}, time.Now()); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	seg, err := stores.Traceroutes.LongestSegment()
	if err != nil || seg == nil {
		t.Fatalf("no segment recorded: %v", err)
	}
	if !seg.IsRecordHolder {
		t.Fatal("longest segment should hold the record")
	}
	// 0.5 degrees of latitude is roughly 55 km.
	if seg.DistanceKm < 50 || seg.DistanceKm > 60 {
		t.Fatalf("distance = %f km, expected around 55", seg.DistanceKm)
	}
}

func TestTracerouteMidpointEstimate(t *testing.T) {
	stores := openTestStores(t)
	r := NewReconstructor(stores, testLogger())

	placeNode(t, stores, 1, "A", 52.0, 4.0)
	placeNode(t, stores, 3, "C", 54.0, 6.0)
	// Node 2 exists without a position.
	if err := stores.Nodes.UpsertNode(&models.Node{NodeNum: 2, NodeID: models.NodeIDFromNum(2)}); err != nil {
		t.Fatalf("failed to insert node: %v", err)
	}

	pkt := &pb.MeshPacket{From: 3, To: 1}
	disco := &pb.RouteDiscovery{Route: []uint32{2}, SnrTowards: []int32{4, 4}}
	if _, err := r.Process(pkt, disco, time.Now()); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	lat, err := stores.Telemetry.LatestSample("!00000002", models.TelemetryLatitudeEstimated)
	if err != nil || lat == nil {
		t.Fatalf("no estimated latitude sample: %v", err)
	}
	if lat.Value != 53.0 {
		t.Fatalf("estimated latitude = %f, want 53.0", lat.Value)
	}
	lon, err := stores.Telemetry.LatestSample("!00000002", models.TelemetryLongitudeEstimated)
	if err != nil || lon == nil {
		t.Fatalf("no estimated longitude sample: %v", err)
	}
	if lon.Value != 5.0 {
		t.Fatalf("estimated longitude = %f, want 5.0", lon.Value)
	}

	// The estimate never becomes the node's real position.
	node, _ := stores.Nodes.GetNode(2)
	if node.HasPosition() {
		t.Fatal("estimated position must not be written to the node record")
	}
}
