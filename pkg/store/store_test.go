package store

import (
	"testing"
	"time"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
)

func openTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelPrimaryInvariant(t *testing.T) {
	s := openTestStores(t)

	tests := []struct {
		name     string
		index    int
		role     string
		wantRole string
	}{
		{"index0_primary", 0, models.ChannelRolePrimary, models.ChannelRolePrimary},
		{"index0_secondary_forced", 0, models.ChannelRoleSecondary, models.ChannelRolePrimary},
		{"index0_disabled_forced", 0, models.ChannelRoleDisabled, models.ChannelRolePrimary},
		{"index1_claims_primary", 1, models.ChannelRolePrimary, models.ChannelRoleSecondary},
		{"index7_claims_primary", 7, models.ChannelRolePrimary, models.ChannelRoleSecondary},
		{"index2_secondary", 2, models.ChannelRoleSecondary, models.ChannelRoleSecondary},
		{"index3_disabled", 3, models.ChannelRoleDisabled, models.ChannelRoleDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Channels.UpsertChannel(&models.Channel{Index: tt.index, Name: "ch", Role: tt.role})
			if err != nil {
				t.Fatalf("UpsertChannel failed: %v", err)
			}
			got, err := s.Channels.GetChannel(tt.index)
			if err != nil || got == nil {
				t.Fatalf("GetChannel failed: %v", err)
			}
			if got.Role != tt.wantRole {
				t.Errorf("channel %d role = %q, want %q", tt.index, got.Role, tt.wantRole)
			}
		})
	}

	// After all upserts, only index 0 holds primary.
	channels, err := s.Channels.GetAllChannels()
	if err != nil {
		t.Fatalf("GetAllChannels failed: %v", err)
	}
	for _, ch := range channels {
		if ch.Index != 0 && ch.Role == models.ChannelRolePrimary {
			t.Errorf("channel %d ended as primary", ch.Index)
		}
		if ch.Index == 0 && ch.Role != models.ChannelRolePrimary {
			t.Errorf("channel 0 ended as %q", ch.Role)
		}
	}
}

func TestMessageDeliveryRoundTrip(t *testing.T) {
	s := openTestStores(t)

	reqID := int64(0xCAFE)
	msg := &models.Message{
		ID:            "1234-51966",
		FromNodeID:    "!00000001",
		ToNodeID:      "!0a1b2c3d",
		Channel:       models.DirectChannel,
		PortNum:       1,
		Text:          "hello",
		ReceivedAt:    time.Now().UTC(),
		RequestID:     &reqID,
		WantAck:       true,
		DeliveryState: models.DeliveryPending,
	}
	if err := s.Messages.InsertMessage(msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	got, err := s.Messages.GetByRequestID(reqID)
	if err != nil || got == nil {
		t.Fatalf("GetByRequestID failed: %v", err)
	}
	if got.ID != msg.ID || got.Channel != models.DirectChannel || got.DeliveryState != models.DeliveryPending {
		t.Errorf("unexpected message: %+v", got)
	}

	if err := s.Messages.UpdateDeliveryState(msg.ID, models.DeliveryDelivered, nil); err != nil {
		t.Fatalf("UpdateDeliveryState failed: %v", err)
	}
	got, _ = s.Messages.GetMessage(msg.ID)
	if got.DeliveryState != models.DeliveryDelivered {
		t.Errorf("delivery state = %q, want delivered", got.DeliveryState)
	}

	reason := "no route"
	if err := s.Messages.UpdateDeliveryState(msg.ID, models.DeliveryFailed, &reason); err != nil {
		t.Fatalf("UpdateDeliveryState failed: %v", err)
	}
	got, _ = s.Messages.GetMessage(msg.ID)
	if got.DeliveryState != models.DeliveryFailed || got.FailureReason == nil || *got.FailureReason != reason {
		t.Errorf("failed state not recorded: %+v", got)
	}
}

func TestNodeNeedingTraceroute(t *testing.T) {
	s := openTestStores(t)

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	traced := now.Add(-1 * time.Hour)

	mk := func(num uint32, lastHeard time.Time, tracedAt *time.Time, ignored bool) {
		n := &models.Node{
			NodeNum:          num,
			NodeID:           models.NodeIDFromNum(num),
			LastHeard:        &lastHeard,
			LastTracerouteAt: tracedAt,
			IsIgnored:        ignored,
		}
		if err := s.Nodes.UpsertNode(n); err != nil {
			t.Fatalf("UpsertNode failed: %v", err)
		}
	}

	mk(1, now, nil, false)     // local node, excluded below
	mk(2, now, &traced, false) // traced recently
	mk(3, now, nil, false)     // never traced: best candidate
	mk(4, old, nil, false)     // too stale
	mk(5, now, nil, true)      // ignored

	got, err := s.Nodes.NodeNeedingTraceroute(1)
	if err != nil {
		t.Fatalf("NodeNeedingTraceroute failed: %v", err)
	}
	if got == nil || got.NodeNum != 3 {
		t.Errorf("candidate = %+v, want node 3", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStores(t)

	if _, ok, err := s.Settings.Get("missing"); err != nil || ok {
		t.Errorf("Get(missing) = ok=%v err=%v, want unset", ok, err)
	}
	if err := s.Settings.Set("lastAnnounce", "12345"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Settings.Set("lastAnnounce", "67890"); err != nil {
		t.Fatalf("Set overwrite failed: %v", err)
	}
	v, ok, err := s.Settings.Get("lastAnnounce")
	if err != nil || !ok || v != "67890" {
		t.Errorf("Get = (%q, %v, %v), want 67890", v, ok, err)
	}
}

func TestLongestSegmentRecord(t *testing.T) {
	s := openTestStores(t)

	now := time.Now().UTC()
	trID, err := s.Traceroutes.InsertTraceroute(&models.Traceroute{
		FromNodeNum: 1, ToNodeNum: 2,
		ForwardHops: "[3]", ReturnHops: "[]",
		ForwardSnr: "[-20]", ReturnSnr: "[]",
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertTraceroute failed: %v", err)
	}

	segs := []models.RouteSegment{
		{TracerouteID: trID, NodeA: 1, NodeB: 3, DistanceKm: 12.5, CreatedAt: now},
		{TracerouteID: trID, NodeA: 3, NodeB: 2, DistanceKm: 40.1, IsRecordHolder: true, CreatedAt: now},
	}
	for i := range segs {
		if err := s.Traceroutes.InsertSegment(&segs[i]); err != nil {
			t.Fatalf("InsertSegment failed: %v", err)
		}
	}

	longest, err := s.Traceroutes.LongestSegment()
	if err != nil || longest == nil {
		t.Fatalf("LongestSegment failed: %v", err)
	}
	if longest.DistanceKm != 40.1 || !longest.IsRecordHolder {
		t.Errorf("longest = %+v, want 40.1 km record holder", longest)
	}
}
