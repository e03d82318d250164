package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/rs/xid"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/automation"
	"github.com/kabili207/mesh-node-bridge/pkg/config"
	"github.com/kabili207/mesh-node-bridge/pkg/meshtastic/radio"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/notify"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

const (
	// maxInboundTextRunes drops absurdly long texts before persistence.
	maxInboundTextRunes = 500
	// positionStaleAge is how old a stored fix must be before a
	// lower-precision replacement is accepted.
	positionStaleAge = 12 * time.Hour
	// mobilityThresholdKm marks a node mobile once consecutive fixes
	// move at least this far.
	mobilityThresholdKm = 0.5
	// lowEntropyByteVariety is the minimum count of distinct byte values
	// a public key must contain to pass the entropy check.
	lowEntropyByteVariety = 8
)

// PipelineDeps carries everything the pipeline needs. The funcs are
// supplied by the manager so the pipeline never reaches back into it.
type PipelineDeps struct {
	Log       *slog.Logger
	Stores    *store.Stores
	Session   *Session
	Config    *ConfigCache
	Correlator *Correlator
	Queue     *Queue
	Recon     *Reconstructor
	Responder *automation.Responder
	AutoAck   *automation.AutoAck
	Automation config.AutomationSettings
	Notifier  notify.Broadcaster

	// TokenContext builds the token substitution context for automation
	// replies to one incoming message.
	TokenContext func(in automation.Incoming) automation.TokenContext
	// ChannelName resolves a channel index to its display name.
	ChannelName func(idx int) string
	// OnAdminResponse is called for every decoded admin payload so the
	// manager can complete its bounded response polls.
	OnAdminResponse func(from uint32, admin *pb.AdminMessage)
	// OnMessage is called after a text message is persisted.
	OnMessage func(msg *models.Message)

	Now func() time.Time
}

// Pipeline processes decoded mesh packets, one at a time, in arrival
// order. All durable state changes flow through the record store.
type Pipeline struct {
	deps PipelineDeps
	log  *slog.Logger

	// Guards the welcomed check-and-set; automation goroutines for two
	// quick packets from the same node would otherwise both pass it.
	welcomeMu sync.Mutex
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps, log: deps.Log}
}

// HandlePacket dispatches one mesh packet by port number. Undecodable
// packets are dropped with a log line and processing continues.
func (p *Pipeline) HandlePacket(pkt *pb.MeshPacket) {
	data, err := decodePacket(pkt)
	if err != nil {
		p.log.Debug("failed to decode packet payload",
			"from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	p.observeSender(pkt)

	switch data.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP:
		p.handleText(pkt, data)
	case pb.PortNum_POSITION_APP:
		p.handlePosition(pkt, data)
	case pb.PortNum_NODEINFO_APP:
		p.handleNodeInfo(pkt, data)
	case pb.PortNum_ROUTING_APP:
		p.handleRouting(pkt, data)
	case pb.PortNum_ADMIN_APP:
		p.handleAdmin(pkt, data)
	case pb.PortNum_TELEMETRY_APP:
		p.handleTelemetry(pkt, data)
	case pb.PortNum_TRACEROUTE_APP:
		p.handleTraceroute(pkt, data)
	case pb.PortNum_NEIGHBORINFO_APP:
		p.handleNeighborInfo(pkt, data)
	default:
		p.log.Debug("unhandled port", "port", data.GetPortnum().String(),
			"from", models.NodeIDFromNum(pkt.GetFrom()))
	}
}

// decodePacket returns the packet's decoded payload. When the node
// forwarded raw ciphertext it could not decrypt itself, a recovery with
// the default channel key is attempted before giving up.
func decodePacket(pkt *pb.MeshPacket) (*pb.Data, error) {
	if d := pkt.GetDecoded(); d != nil {
		return d, nil
	}
	if len(pkt.GetEncrypted()) > 0 {
		return radio.TryDecode(pkt)
	}
	return nil, fmt.Errorf("packet carries no decoded payload")
}

// hopsTraveled derives hops from the packet's hop budget, -1 if the
// sender did not report a hop start.
func hopsTraveled(pkt *pb.MeshPacket) int {
	if pkt.GetHopStart() == 0 {
		return -1
	}
	return int(pkt.GetHopStart()) - int(pkt.GetHopLimit())
}

// observeSender creates or refreshes the sender's node record with the
// link quality of this packet.
func (p *Pipeline) observeSender(pkt *pb.MeshPacket) {
	from := pkt.GetFrom()
	if from == 0 || from == models.BroadcastNodeNum {
		return
	}

	now := p.deps.Now()
	node, err := p.deps.Stores.Nodes.GetNode(from)
	if err != nil {
		p.log.Error("failed to load node", "nodeNum", from, "error", err)
		return
	}
	if node == nil {
		node = &models.Node{
			NodeNum:    from,
			NodeID:     models.NodeIDFromNum(from),
			FirstHeard: &now,
		}
	}

	if snr := pkt.GetRxSnr(); snr != 0 {
		v := float64(snr)
		node.Snr = &v
	}
	if rssi := pkt.GetRxRssi(); rssi != 0 {
		v := int64(rssi)
		node.Rssi = &v
	}
	if hops := hopsTraveled(pkt); hops >= 0 {
		v := int64(hops)
		node.HopsAway = &v
	}
	node.LastHeard = &now

	if err := p.deps.Stores.Nodes.UpsertNode(node); err != nil {
		p.log.Error("failed to upsert node", "nodeId", node.NodeID, "error", err)
	}
}

// stubNode creates a minimal record for a node referenced by someone
// else's packet. Existing records are left alone.
func (p *Pipeline) stubNode(num uint32, hopsAway *int64) {
	if num == 0 || num == models.BroadcastNodeNum {
		return
	}
	node, err := p.deps.Stores.Nodes.GetNode(num)
	if err != nil || node != nil {
		return
	}
	now := p.deps.Now()
	stub := &models.Node{
		NodeNum:    num,
		NodeID:     models.NodeIDFromNum(num),
		HopsAway:   hopsAway,
		FirstHeard: &now,
	}
	if err := p.deps.Stores.Nodes.UpsertNode(stub); err != nil {
		p.log.Error("failed to create node stub", "nodeId", stub.NodeID, "error", err)
	}
}

func (p *Pipeline) isLocal(num uint32) bool {
	local, ok := p.deps.Session.NodeNum()
	return ok && local == num
}

// --- text (port 1) ---

func (p *Pipeline) handleText(pkt *pb.MeshPacket, data *pb.Data) {
	text := string(data.GetPayload())
	if text == "" {
		p.log.Debug("dropping empty text message", "from", models.NodeIDFromNum(pkt.GetFrom()))
		return
	}
	if utf8.RuneCountInString(text) >= maxInboundTextRunes {
		p.log.Warn("dropping oversized text message",
			"from", models.NodeIDFromNum(pkt.GetFrom()), "runes", utf8.RuneCountInString(text))
		return
	}

	direct := pkt.GetTo() != models.BroadcastNodeNum
	channel := models.DirectChannel
	if !direct {
		channel = int(pkt.GetChannel())
	}
	if direct {
		p.stubNode(pkt.GetTo(), nil)
	}

	now := p.deps.Now()
	msg := &models.Message{
		ID:            messageID(pkt),
		FromNodeID:    models.NodeIDFromNum(pkt.GetFrom()),
		ToNodeID:      models.NodeIDFromNum(pkt.GetTo()),
		Channel:       channel,
		PortNum:       int(pb.PortNum_TEXT_MESSAGE_APP),
		Text:          text,
		ReceivedAt:    now,
		DeliveryState: models.DeliveryPending,
	}
	if rt := pkt.GetRxTime(); rt != 0 {
		sent := time.Unix(int64(rt), 0)
		msg.SentAt = &sent
	}
	if rid := data.GetReplyId(); rid != 0 {
		v := int64(rid)
		msg.ReplyID = &v
	}
	msg.Emoji = data.GetEmoji() != 0

	// The same packet can arrive again via another path. One record,
	// one round of automation.
	if existing, err := p.deps.Stores.Messages.GetMessage(msg.ID); err == nil && existing != nil {
		p.log.Debug("ignoring rebroadcast of known message", "messageId", msg.ID)
		return
	}

	if err := p.deps.Stores.Messages.InsertMessage(msg); err != nil {
		p.log.Error("failed to persist message", "messageId", msg.ID, "error", err)
		return
	}

	p.notifyText(pkt, msg)
	if p.deps.OnMessage != nil {
		p.deps.OnMessage(msg)
	}

	in := p.incomingFor(pkt, msg)
	// HTTP fetches and script runs take seconds; never hold up the
	// frame loop for them.
	go p.runAutomation(pkt, in)
}

func messageID(pkt *pb.MeshPacket) string {
	if pkt.GetId() != 0 {
		return fmt.Sprintf("%d-%d", pkt.GetFrom(), pkt.GetId())
	}
	return xid.New().String()
}

func (p *Pipeline) notifyText(pkt *pb.MeshPacket, msg *models.Message) {
	sender := p.displayName(pkt.GetFrom())
	filter := msg.ToNodeID
	title := fmt.Sprintf("Message from %s", sender)
	if !msg.IsDirect() {
		name := p.deps.ChannelName(msg.Channel)
		filter = name
		title = fmt.Sprintf("%s on %s", sender, name)
	}
	p.deps.Notifier.Broadcast(title, msg.Text, filter)
}

func (p *Pipeline) displayName(num uint32) string {
	node, err := p.deps.Stores.Nodes.GetNode(num)
	if err != nil || node == nil {
		return models.NodeIDFromNum(num)
	}
	return node.DisplayName()
}

func (p *Pipeline) incomingFor(pkt *pb.MeshPacket, msg *models.Message) automation.Incoming {
	in := automation.Incoming{
		Text:     msg.Text,
		FromNum:  pkt.GetFrom(),
		FromID:   msg.FromNodeID,
		Channel:  msg.Channel,
		Hops:     hopsTraveled(pkt),
		PacketID: pkt.GetId(),
		IsLocal:  p.isLocal(pkt.GetFrom()),
	}

	node, err := p.deps.Stores.Nodes.GetNode(pkt.GetFrom())
	if err == nil && node != nil {
		in.FromLong = node.LongName
		in.FromShort = node.ShortName
		in.HasIdentity = node.LongName != ""
		in.Snr = node.Snr
		in.Rssi = node.Rssi
	}
	return in
}

// runAutomation evaluates auto-acknowledge and the trigger responder for
// one persisted inbound text, then considers the auto-welcome.
func (p *Pipeline) runAutomation(pkt *pb.MeshPacket, in automation.Incoming) {
	replyDest := models.BroadcastNodeNum
	replyChannel := int32(pkt.GetChannel())
	if in.Channel == models.DirectChannel {
		replyDest = in.FromNum
		replyChannel = 0
	}

	if tapback, reply, ok := p.deps.AutoAck.Evaluate(in); ok {
		if tapback != "" {
			p.enqueueReply(&Outbound{
				Text:    tapback,
				Dest:    replyDest,
				Channel: replyChannel,
				ReplyID: in.PacketID,
				Emoji:   true,
			})
		}
		if reply != "" {
			text := automation.ReplaceTokens(reply, p.deps.TokenContext(in))
			p.enqueueReply(&Outbound{
				Text:    automation.Truncate(text, automation.MaxMessageBytes),
				Dest:    replyDest,
				Channel: replyChannel,
			})
		}
	}

	replies := p.deps.Responder.Respond(context.Background(), in, p.deps.TokenContext(in))
	for _, reply := range replies {
		p.enqueueReply(&Outbound{
			Text:    reply.Text,
			Dest:    replyDest,
			Channel: replyChannel,
			WantAck: reply.VerifyAck,
		})
	}

	p.maybeWelcome(in.FromNum, in.Hops)
}

func (p *Pipeline) enqueueReply(out *Outbound) {
	if err := p.deps.Queue.Enqueue(out); err != nil {
		p.log.Warn("failed to enqueue automation reply", "dest", out.Dest, "error", err)
	}
}

// maybeWelcome sends the configured welcome once per node, guarded by a
// persisted timestamp.
func (p *Pipeline) maybeWelcome(nodeNum uint32, hops int) {
	cfg := p.deps.Automation.AutoWelcome
	if !cfg.Enabled || p.isLocal(nodeNum) {
		return
	}
	if cfg.MaxHops > 0 && hops > cfg.MaxHops {
		return
	}

	node, err := p.deps.Stores.Nodes.GetNode(nodeNum)
	if err != nil || node == nil {
		return
	}
	if cfg.WaitForName && node.HasDefaultName() {
		return
	}

	key := "welcomed_" + node.NodeID
	p.welcomeMu.Lock()
	defer p.welcomeMu.Unlock()
	if _, welcomed, err := p.deps.Stores.Settings.Get(key); err != nil || welcomed {
		return
	}

	if err := p.deps.Stores.Settings.Set(key, p.deps.Now().Format(time.RFC3339)); err != nil {
		p.log.Error("failed to record welcome timestamp", "nodeId", node.NodeID, "error", err)
	}

	text := automation.ReplaceTokens(cfg.Message, automation.TokenContext{
		SenderLong:  node.LongName,
		SenderShort: node.ShortName,
		SenderID:    node.NodeID,
		Now:         p.deps.Now(),
	})
	p.enqueueReply(&Outbound{
		Text:    automation.Truncate(text, automation.MaxMessageBytes),
		Dest:    models.BroadcastNodeNum,
		Channel: int32(cfg.Channel),
	})
	p.log.Info("welcomed new node", "nodeId", node.NodeID, "name", node.DisplayName())
}

// --- position (port 3) ---

func (p *Pipeline) handlePosition(pkt *pb.MeshPacket, data *pb.Data) {
	var pos pb.Position
	if err := proto.Unmarshal(data.GetPayload(), &pos); err != nil {
		p.log.Debug("failed to decode position", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	lat := float64(pos.GetLatitudeI()) * 1e-7
	lon := float64(pos.GetLongitudeI()) * 1e-7
	if err := validateCoordinates(lat, lon); err != nil {
		p.log.Warn("dropping invalid position",
			"from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}
	if pos.GetLatitudeI() == 0 && pos.GetLongitudeI() == 0 {
		return
	}

	from := pkt.GetFrom()
	node, err := p.deps.Stores.Nodes.GetNode(from)
	if err != nil {
		p.log.Error("failed to load node", "nodeNum", from, "error", err)
		return
	}
	if node == nil {
		now := p.deps.Now()
		node = &models.Node{NodeNum: from, NodeID: models.NodeIDFromNum(from), FirstHeard: &now}
	}

	now := p.deps.Now()
	precision := int64(pos.GetPrecisionBits())
	if !p.acceptPosition(node, precision, now) {
		p.log.Debug("rejecting lower-precision fix",
			"nodeId", node.NodeID, "new", precision, "stored", derefInt(node.PositionPrecision))
		return
	}

	if node.HasPosition() {
		moved := haversineKm(*node.Latitude, *node.Longitude, lat, lon)
		if moved >= mobilityThresholdKm {
			node.IsMobile = true
		}
	}

	alt := int64(pos.GetAltitude())
	node.Latitude = &lat
	node.Longitude = &lon
	node.Altitude = &alt
	node.PositionPrecision = &precision
	node.PositionTime = &now

	if err := p.deps.Stores.Nodes.UpsertNode(node); err != nil {
		p.log.Error("failed to store position", "nodeId", node.NodeID, "error", err)
		return
	}

	p.samplePosition(node.NodeID, lat, lon, float64(alt), precision, now)
}

// acceptPosition applies the precision policy: equal or higher precision
// always wins; a lower-precision fix only replaces a stale one.
func (p *Pipeline) acceptPosition(node *models.Node, precision int64, now time.Time) bool {
	if !node.HasPosition() || node.PositionPrecision == nil {
		return true
	}
	if precision >= *node.PositionPrecision {
		return true
	}
	if node.PositionTime == nil {
		return true
	}
	return now.Sub(*node.PositionTime) >= positionStaleAge
}

func validateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return fmt.Errorf("coordinates are not finite")
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %.4f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %.4f out of range", lon)
	}
	return nil
}

func (p *Pipeline) samplePosition(nodeID string, lat, lon, alt float64, precision int64, now time.Time) {
	samples := []struct {
		typ   string
		value float64
		unit  string
	}{
		{models.TelemetryLatitude, lat, "°"},
		{models.TelemetryLongitude, lon, "°"},
		{models.TelemetryAltitude, alt, "m"},
	}
	for _, s := range samples {
		sample := &models.TelemetrySample{
			NodeID:        nodeID,
			Type:          s.typ,
			Timestamp:     now,
			Value:         s.value,
			Unit:          s.unit,
			PrecisionBits: &precision,
		}
		if err := p.deps.Stores.Telemetry.InsertSample(sample); err != nil {
			p.log.Error("failed to store position sample", "nodeId", nodeID, "error", err)
		}
	}
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// --- nodeinfo (port 4) ---

func (p *Pipeline) handleNodeInfo(pkt *pb.MeshPacket, data *pb.Data) {
	var user pb.User
	if err := proto.Unmarshal(data.GetPayload(), &user); err != nil {
		p.log.Debug("failed to decode nodeinfo", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	from := pkt.GetFrom()
	node, err := p.deps.Stores.Nodes.GetNode(from)
	if err != nil {
		p.log.Error("failed to load node", "nodeNum", from, "error", err)
		return
	}
	if node == nil {
		now := p.deps.Now()
		node = &models.Node{NodeNum: from, NodeID: models.NodeIDFromNum(from), FirstHeard: &now}
	}

	// Identity fields only. Link quality and position are owned by
	// other packet types.
	if user.GetLongName() != "" {
		node.LongName = user.GetLongName()
	}
	if user.GetShortName() != "" {
		node.ShortName = user.GetShortName()
	}
	if user.GetHwModel() != pb.HardwareModel_UNSET {
		node.HwModel = user.GetHwModel().String()
	}
	node.Role = user.GetRole().String()

	if key := user.GetPublicKey(); len(key) > 0 {
		node.PublicKey = hex.EncodeToString(key)
		node.KeyIsLowEntropy = isLowEntropyKey(key)
		node.KeyIsDuplicate = p.isDuplicateKey(node.NodeID, node.PublicKey)
	} else {
		node.KeyIsLowEntropy = false
		node.KeyIsDuplicate = false
	}

	if err := p.deps.Stores.Nodes.UpsertNode(node); err != nil {
		p.log.Error("failed to store nodeinfo", "nodeId", node.NodeID, "error", err)
		return
	}

	if p.isLocal(from) {
		p.deps.Session.ApplyNodeInfo(from, node.LongName, node.ShortName, node.HwModel)
	}

	p.maybeWelcome(from, hopsTraveled(pkt))
}

// isLowEntropyKey flags keys that are clearly not random: too short,
// all zero, or built from a handful of repeated byte values.
func isLowEntropyKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}
	seen := make(map[byte]struct{}, len(key))
	for _, b := range key {
		seen[b] = struct{}{}
	}
	return len(seen) < lowEntropyByteVariety
}

func (p *Pipeline) isDuplicateKey(nodeID, publicKey string) bool {
	nodes, err := p.deps.Stores.Nodes.GetAllNodes()
	if err != nil {
		p.log.Error("failed to scan for duplicate keys", "error", err)
		return false
	}
	for _, other := range nodes {
		if other.NodeID != nodeID && other.PublicKey == publicKey {
			return true
		}
	}
	return false
}

// --- routing (port 5) ---

func (p *Pipeline) handleRouting(pkt *pb.MeshPacket, data *pb.Data) {
	var routing pb.Routing
	if err := proto.Unmarshal(data.GetPayload(), &routing); err != nil {
		p.log.Debug("failed to decode routing", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}
	p.deps.Correlator.HandleRouting(pkt, data, &routing)
}

// --- admin (port 6) ---

func (p *Pipeline) handleAdmin(pkt *pb.MeshPacket, data *pb.Data) {
	var admin pb.AdminMessage
	if err := proto.Unmarshal(data.GetPayload(), &admin); err != nil {
		p.log.Debug("failed to decode admin message", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	if key := admin.GetSessionPasskey(); len(key) > 0 {
		p.deps.Session.SetPasskey(pkt.GetFrom(), key)
	}

	// Config responses from the local radio refresh the merged cache.
	if p.isLocal(pkt.GetFrom()) {
		if cfg := admin.GetGetConfigResponse(); cfg != nil {
			p.deps.Config.ApplyConfig(cfg)
		}
		if cfg := admin.GetGetModuleConfigResponse(); cfg != nil {
			p.deps.Config.ApplyModuleConfig(cfg)
		}
	}

	if p.deps.OnAdminResponse != nil {
		p.deps.OnAdminResponse(pkt.GetFrom(), &admin)
	}
}

// --- telemetry (port 67) ---

func (p *Pipeline) handleTelemetry(pkt *pb.MeshPacket, data *pb.Data) {
	var tel pb.Telemetry
	if err := proto.Unmarshal(data.GetPayload(), &tel); err != nil {
		p.log.Debug("failed to decode telemetry", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	nodeID := models.NodeIDFromNum(pkt.GetFrom())
	ts := p.deps.Now()
	if t := tel.GetTime(); t != 0 {
		ts = time.Unix(int64(t), 0)
	}

	var fields []telemetryField
	switch {
	case tel.GetDeviceMetrics() != nil:
		fields = deviceMetricFields(tel.GetDeviceMetrics())
	case tel.GetEnvironmentMetrics() != nil:
		fields = environmentMetricFields(tel.GetEnvironmentMetrics())
	case tel.GetPowerMetrics() != nil:
		fields = powerMetricFields(tel.GetPowerMetrics())
	case tel.GetAirQualityMetrics() != nil:
		fields = airQualityMetricFields(tel.GetAirQualityMetrics())
	case tel.GetLocalStats() != nil:
		fields = localStatsFields(tel.GetLocalStats())
	case tel.GetHostMetrics() != nil:
		fields = hostMetricFields(tel.GetHostMetrics())
	default:
		p.log.Debug("unhandled telemetry variant", "from", nodeID)
		return
	}

	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			continue
		}
		sample := &models.TelemetrySample{
			NodeID:    nodeID,
			Type:      f.name,
			Timestamp: ts,
			Value:     f.value,
			Unit:      f.unit,
		}
		if err := p.deps.Stores.Telemetry.InsertSample(sample); err != nil {
			p.log.Error("failed to store telemetry sample",
				"nodeId", nodeID, "type", f.name, "error", err)
		}
	}
}

// --- traceroute (port 70) ---

func (p *Pipeline) handleTraceroute(pkt *pb.MeshPacket, data *pb.Data) {
	// Requests from other nodes are answered by the radio itself; only
	// responses to our own requests carry a request ID we asked for.
	if data.GetRequestId() == 0 {
		return
	}

	var disco pb.RouteDiscovery
	if err := proto.Unmarshal(data.GetPayload(), &disco); err != nil {
		p.log.Debug("failed to decode traceroute", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	path, err := p.deps.Recon.Process(pkt, &disco, p.deps.Now())
	if err != nil {
		p.log.Error("failed to reconstruct traceroute", "error", err)
		return
	}

	p.log.Info("traceroute completed",
		"target", models.NodeIDFromNum(pkt.GetFrom()),
		"hops", path.HopCount, "totalKm", fmt.Sprintf("%.1f", path.TotalKm))
	p.deps.Notifier.Broadcast(
		fmt.Sprintf("Traceroute to %s", p.displayName(pkt.GetFrom())),
		path.ForwardText,
		models.NodeIDFromNum(pkt.GetFrom()))
}

// --- neighborinfo (port 71) ---

func (p *Pipeline) handleNeighborInfo(pkt *pb.MeshPacket, data *pb.Data) {
	var info pb.NeighborInfo
	if err := proto.Unmarshal(data.GetPayload(), &info); err != nil {
		p.log.Debug("failed to decode neighborinfo", "from", models.NodeIDFromNum(pkt.GetFrom()), "error", err)
		return
	}

	senderHops := hopsTraveled(pkt)
	now := p.deps.Now()

	for _, n := range info.GetNeighbors() {
		// A neighbor of the sender is at most one hop further from us.
		var hopsAway *int64
		if senderHops >= 0 {
			v := int64(senderHops) + 1
			hopsAway = &v
		}
		p.stubNode(n.GetNodeId(), hopsAway)

		edge := &models.NeighborEdge{
			NodeNum:     info.GetNodeId(),
			NeighborNum: n.GetNodeId(),
			LastSeen:    now,
		}
		if snr := n.GetSnr(); snr != 0 {
			v := float64(snr)
			edge.Snr = &v
		}
		if err := p.deps.Stores.Neighbors.UpsertEdge(edge); err != nil {
			p.log.Error("failed to store neighbor edge",
				"nodeNum", edge.NodeNum, "neighborNum", edge.NeighborNum, "error", err)
		}
	}
}
