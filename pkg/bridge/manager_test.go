package bridge

import (
	"strings"
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/automation"
	"github.com/kabili207/mesh-node-bridge/pkg/config"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/notify"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Configuration{}
	cfg.Device = config.DeviceSettings{
		Address:        "127.0.0.1",
		Port:           4403,
		StaleTimeout:   time.Minute,
		ReconnectDelay: time.Second,
	}

	m, err := NewManager(cfg, openTestStores(t), notify.Nop{}, "test", testLogger())
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	t.Cleanup(m.session.Close)

	m.session.ApplyBootstrap(testLocalNum, 1)
	return m
}

func routingPacket(sender, requestID uint32, errCode pb.Routing_Error) *pb.MeshPacket {
	payload, _ := proto.Marshal(&pb.Routing{
		Variant: &pb.Routing_ErrorReason{ErrorReason: errCode},
	})
	return &pb.MeshPacket{
		From: sender,
		To:   testLocalNum,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
			Portnum:   pb.PortNum_ROUTING_APP,
			RequestId: requestID,
			Payload:   payload,
		}},
	}
}

func TestSendTextDeliveryLifecycle(t *testing.T) {
	m := newTestManager(t)

	id, err := m.SendText("hello", "!0a1b2c3d", 0, 0, false)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	msg, err := m.stores.Messages.GetMessage(id)
	if err != nil || msg == nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Channel != models.DirectChannel {
		t.Fatalf("channel = %d, want %d", msg.Channel, models.DirectChannel)
	}
	if msg.DeliveryState != models.DeliveryPending {
		t.Fatalf("state = %q, want pending", msg.DeliveryState)
	}
	if msg.RequestID == nil || *msg.RequestID == 0 {
		t.Fatal("no request ID assigned")
	}
	requestID := uint32(*msg.RequestID)

	// The local radio acknowledges transmission to the mesh.
	m.pipeline.HandlePacket(routingPacket(testLocalNum, requestID, pb.Routing_NONE))
	msg, _ = m.stores.Messages.GetMessage(id)
	if msg.DeliveryState != models.DeliveryDelivered {
		t.Fatalf("after local ack state = %q, want delivered", msg.DeliveryState)
	}

	// The recipient acknowledges end-to-end receipt.
	m.pipeline.HandlePacket(routingPacket(0x0a1b2c3d, requestID, pb.Routing_NONE))
	msg, _ = m.stores.Messages.GetMessage(id)
	if msg.DeliveryState != models.DeliveryConfirmed {
		t.Fatalf("after recipient ack state = %q, want confirmed", msg.DeliveryState)
	}
}

func TestSendTextValidation(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.SendText("", "", 0, 0, false); err == nil {
		t.Fatal("empty text accepted")
	}
	long := strings.Repeat("x", automation.MaxMessageBytes+1)
	if _, err := m.SendText(long, "", 0, 0, false); err == nil {
		t.Fatal("oversized text accepted")
	}
	if _, err := m.SendText("hi", "not-a-node", 0, 0, false); err == nil {
		t.Fatal("malformed node ID accepted")
	}
	if _, err := m.SendText("hi", "", 9, 0, false); err == nil {
		t.Fatal("out-of-range channel accepted")
	}

	// None of the rejects left a message behind.
	msgs, _ := m.stores.Messages.GetRecent(10)
	if len(msgs) != 0 {
		t.Fatalf("rejected sends persisted %d messages", len(msgs))
	}
}

func TestHandleFrameBootstrap(t *testing.T) {
	m := newTestManager(t)
	m.session.Clear()

	m.handleFrame(&pb.FromRadio{
		PayloadVariant: &pb.FromRadio_MyInfo{
			MyInfo: &pb.MyNodeInfo{MyNodeNum: 0x0a1b2c3d, RebootCount: 7},
		},
	})
	local, ok := m.session.Local()
	if !ok || local.NodeID != "!0a1b2c3d" || local.RebootCount != 7 {
		t.Fatalf("bootstrap not applied: %+v", local)
	}

	m.handleFrame(&pb.FromRadio{
		PayloadVariant: &pb.FromRadio_Metadata{
			Metadata: &pb.DeviceMetadata{FirmwareVersion: "2.5.1"},
		},
	})
	local, _ = m.session.Local()
	if local.FirmwareVersion != "2.5.1" {
		t.Fatalf("firmware version = %q", local.FirmwareVersion)
	}
}

func TestHandleFrameConfigComplete(t *testing.T) {
	m := newTestManager(t)
	m.mu.Lock()
	m.status.Configuring = true
	m.configID = 123
	m.mu.Unlock()

	m.handleFrame(&pb.FromRadio{
		PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: 123},
	})
	if m.Status().Configuring {
		t.Fatal("configuring flag not cleared")
	}
}

func TestChannelEntryPrimaryInvariant(t *testing.T) {
	m := newTestManager(t)

	// Index 1 claiming primary is demoted when stored.
	m.handleChannelEntry(&pb.Channel{
		Index: 1,
		Role:  pb.Channel_PRIMARY,
		Settings: &pb.ChannelSettings{
			Name: "Backchannel",
			Psk:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
		},
	})
	ch, err := m.stores.Channels.GetChannel(1)
	if err != nil || ch == nil {
		t.Fatalf("channel not stored: %v", err)
	}
	if ch.Role != models.ChannelRoleSecondary {
		t.Fatalf("index 1 role = %q, want secondary", ch.Role)
	}
	if !ch.HasPSK {
		t.Fatal("multi-byte PSK not flagged")
	}

	// The single-byte default PSK does not count.
	m.handleChannelEntry(&pb.Channel{
		Index:    0,
		Role:     pb.Channel_PRIMARY,
		Settings: &pb.ChannelSettings{Psk: []byte{1}},
	})
	ch, _ = m.stores.Channels.GetChannel(0)
	if ch.Role != models.ChannelRolePrimary || ch.HasPSK {
		t.Fatalf("primary channel stored as %+v", ch)
	}
}

func TestFrameObservers(t *testing.T) {
	m := newTestManager(t)

	var seen []*pb.FromRadio
	m.AddObserver(func(frame *pb.FromRadio) { seen = append(seen, frame) })

	frame := &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: 1},
	}
	m.handleFrame(frame)

	if len(seen) != 1 || seen[0] != frame {
		t.Fatalf("observer saw %d frames", len(seen))
	}
}

func TestAnnounceAntiSpam(t *testing.T) {
	m := newTestManager(t)
	m.cfg.Scheduler.AnnounceMessage = "Bridge {VERSION} online"

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	m.Announce(true)
	if got := len(m.queue.backlog); got != 1 {
		t.Fatalf("first announcement queued %d messages", got)
	}
	<-m.queue.backlog

	// A second start announcement within the hour is suppressed.
	clock = base.Add(30 * time.Minute)
	m.Announce(true)
	if got := len(m.queue.backlog); got != 0 {
		t.Fatalf("anti-spam gate let %d messages through", got)
	}

	// Scheduled announcements are not gated.
	m.Announce(false)
	if got := len(m.queue.backlog); got != 1 {
		t.Fatalf("interval announcement queued %d messages", got)
	}
	<-m.queue.backlog

	// After an hour the start gate opens again.
	clock = base.Add(2 * time.Hour)
	m.Announce(true)
	if got := len(m.queue.backlog); got != 1 {
		t.Fatalf("expired gate queued %d messages", got)
	}
}
