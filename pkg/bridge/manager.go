package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/automation"
	"github.com/kabili207/mesh-node-bridge/pkg/config"
	"github.com/kabili207/mesh-node-bridge/pkg/meshtastic/stream"
	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/notify"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

const (
	// Admin responses cross the mesh, so availability is polled with a
	// bounded wait rather than a blocking read.
	adminPollInterval = 250 * time.Millisecond
	adminPollTimeout  = 8 * time.Second

	// announceMinGap suppresses a start announcement when one already
	// went out recently.
	announceMinGap = time.Hour

	// onlineWindow is how recently a node must have been heard to count
	// as online in token substitution.
	onlineWindow = 2 * time.Hour

	lastAnnounceSetting = "last_announce_at"
)

// FrameObserver receives every inbound frame after the manager has
// processed it. Observers are called synchronously, in registration
// order, on the frame loop.
type FrameObserver func(frame *pb.FromRadio)

// Manager owns the radio socket and every piece of in-process state:
// session credentials, the merged config cache and the outbound queue.
// All inbound frames are processed to completion, one at a time, on a
// single goroutine.
type Manager struct {
	log      *slog.Logger
	cfg      *config.Configuration
	stores   *store.Stores
	notifier notify.Broadcaster
	version  string

	session     *Session
	configCache *ConfigCache
	correlator  *Correlator
	queue       *Queue
	recon       *Reconstructor
	pipeline    *Pipeline
	scheduler   *Scheduler

	// Injected for tests.
	dial        func(ctx context.Context, address string) (net.Conn, error)
	now         func() time.Time
	newPacketID func() uint32

	mu          sync.Mutex
	conn        net.Conn
	status      models.ConnectionStatus
	lastFrameAt time.Time
	configID    uint32
	observers   []FrameObserver
	loopRunning bool

	adminMu        sync.Mutex
	adminResponses map[uint32]*pb.AdminMessage

	startedAt time.Time
}

func NewManager(cfg *config.Configuration, stores *store.Stores, notifier notify.Broadcaster, version string, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		log:            log,
		cfg:            cfg,
		stores:         stores,
		notifier:       notifier,
		version:        version,
		configCache:    NewConfigCache(),
		now:            time.Now,
		newPacketID:    randomPacketID,
		adminResponses: make(map[uint32]*pb.AdminMessage),
		startedAt:      time.Now(),
	}
	m.dial = func(ctx context.Context, address string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}

	m.session = NewSession(stores.Settings, log)
	if err := m.session.Restore(); err != nil {
		log.Warn("could not restore local identity", "error", err)
	}

	m.correlator = NewCorrelator(stores.Messages, m.session.NodeNum, log)
	m.queue = NewQueue(m.transmitOutbound, log)
	m.correlator.SetQueueCallbacks(m.queue.HandleAck, m.queue.HandleNak)

	m.recon = NewReconstructor(stores, log)

	m.pipeline = NewPipeline(PipelineDeps{
		Log:             log,
		Stores:          stores,
		Session:         m.session,
		Config:          m.configCache,
		Correlator:      m.correlator,
		Queue:           m.queue,
		Recon:           m.recon,
		Responder:       automation.NewResponder(cfg.Automation, log),
		AutoAck:         automation.NewAutoAck(cfg.Automation, log),
		Automation:      cfg.Automation,
		Notifier:        notifier,
		TokenContext:    m.tokenContext,
		ChannelName:     m.channelName,
		OnAdminResponse: m.recordAdminResponse,
		Now:             func() time.Time { return m.now() },
	})

	m.scheduler = NewScheduler(cfg.Scheduler, SchedulerJobs{
		Ready:          m.ready,
		SendTraceroute: m.tracerouteSweep,
		RequestStats:   func() { _ = m.RequestStats() },
		Announce:       m.Announce,
	}, log)

	return m, nil
}

// AddObserver registers a frame observer. Not safe to call concurrently
// with frame processing; register observers before Start.
func (m *Manager) AddObserver(obs FrameObserver) {
	m.observers = append(m.observers, obs)
}

// SetMessageHook registers a listener for persisted inbound messages and
// delivery-state transitions.
func (m *Manager) SetMessageHook(onMessage func(msg *models.Message), onState func(msg *models.Message, state string)) {
	m.pipeline.deps.OnMessage = onMessage
	m.correlator.SetStateChangeHook(onState)
}

// Start launches the queue, the scheduler and the connection loop.
func (m *Manager) Start() {
	m.queue.Start()
	m.scheduler.Start()
	m.Connect()
}

// Stop shuts everything down.
func (m *Manager) Stop() {
	m.scheduler.Stop()
	m.queue.Stop()
	m.Disconnect()
	m.session.Close()
}

// Connect clears any user-disconnect flag and (re)starts the connection
// loop.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.status.UserDisconnected = false
	alreadyRunning := m.loopRunning
	m.loopRunning = true
	m.mu.Unlock()

	if !alreadyRunning {
		go m.connectionLoop()
	}
}

// Disconnect closes the socket and suppresses auto-reconnect until the
// next Connect call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.status.UserDisconnected = true
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Reconnect drops the current socket; the connection loop redials.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) userDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.UserDisconnected
}

func (m *Manager) connectionLoop() {
	defer func() {
		m.mu.Lock()
		m.loopRunning = false
		m.mu.Unlock()
	}()

	for {
		if m.userDisconnected() {
			return
		}

		if err := m.runSession(); err != nil {
			m.log.Warn("radio connection ended", "error", err)
		}

		if m.userDisconnected() {
			return
		}
		time.Sleep(m.cfg.Device.ReconnectDelay)
	}
}

// runSession dials the radio, performs the configuration handshake and
// reads frames until the socket dies.
func (m *Manager) runSession() error {
	address := net.JoinHostPort(m.cfg.Device.Address, strconv.Itoa(m.cfg.Device.Port))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	conn, err := m.dial(ctx, address)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	configID := m.newPacketID()
	m.mu.Lock()
	m.conn = conn
	m.configID = configID
	m.status.Connected = true
	m.status.NodeResponsive = true
	m.status.Configuring = true
	m.lastFrameAt = m.now()
	m.mu.Unlock()

	m.log.Info("connected to radio", "address", address)
	m.configCache.Reset()

	if err := m.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: configID},
	}); err != nil {
		m.teardown(conn)
		return err
	}

	watchdogDone := make(chan struct{})
	go m.watchdog(conn, watchdogDone)

	reader := stream.NewReader(conn)
	var readErr error
	for {
		frame, err := reader.ReadFrame()
		if errors.Is(err, stream.ErrFrameDecode) {
			m.log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if err != nil {
			readErr = err
			break
		}
		m.handleFrame(frame)
	}

	close(watchdogDone)
	m.teardown(conn)
	return readErr
}

func (m *Manager) teardown(conn net.Conn) {
	conn.Close()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.status.Connected = false
	m.status.Configuring = false
	m.mu.Unlock()

	// The radio must re-prove its identity on the next session, but the
	// last known identity is kept on disk for a provisional restore.
	m.session.Clear()
}

// watchdog flags the connection unresponsive when no frame arrives
// within the stale timeout.
func (m *Manager) watchdog(conn net.Conn, done chan struct{}) {
	timeout := m.cfg.Device.StaleTimeout
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := m.now().Sub(m.lastFrameAt) > timeout
			wasResponsive := m.status.NodeResponsive
			m.status.NodeResponsive = !stale
			m.mu.Unlock()

			if stale && wasResponsive {
				m.log.Warn("no frames from radio", "timeout", timeout)
			}
		}
	}
}

// handleFrame processes one inbound frame, then notifies observers.
func (m *Manager) handleFrame(frame *pb.FromRadio) {
	m.mu.Lock()
	m.lastFrameAt = m.now()
	m.status.NodeResponsive = true
	observers := m.observers
	m.mu.Unlock()

	switch v := frame.GetPayloadVariant().(type) {
	case *pb.FromRadio_Packet:
		m.pipeline.HandlePacket(v.Packet)

	case *pb.FromRadio_MyInfo:
		m.session.ApplyBootstrap(v.MyInfo.GetMyNodeNum(), v.MyInfo.GetRebootCount())

	case *pb.FromRadio_NodeInfo:
		m.handleNodeDBEntry(v.NodeInfo)

	case *pb.FromRadio_Metadata:
		m.session.SetFirmwareVersion(v.Metadata.GetFirmwareVersion())

	case *pb.FromRadio_Config:
		m.configCache.ApplyConfig(v.Config)

	case *pb.FromRadio_ModuleConfig:
		m.configCache.ApplyModuleConfig(v.ModuleConfig)

	case *pb.FromRadio_Channel:
		m.handleChannelEntry(v.Channel)

	case *pb.FromRadio_ConfigCompleteId:
		m.handleConfigComplete(v.ConfigCompleteId)

	default:
		m.log.Debug("unhandled frame variant")
	}

	for _, obs := range observers {
		obs(frame)
	}
}

// handleNodeDBEntry merges one entry of the radio's own node table,
// received during the configuration cycle.
func (m *Manager) handleNodeDBEntry(info *pb.NodeInfo) {
	num := info.GetNum()
	if num == 0 {
		return
	}

	node, err := m.stores.Nodes.GetNode(num)
	if err != nil {
		m.log.Error("failed to load node", "nodeNum", num, "error", err)
		return
	}
	now := m.now()
	if node == nil {
		node = &models.Node{NodeNum: num, NodeID: models.NodeIDFromNum(num), FirstHeard: &now}
	}

	if user := info.GetUser(); user != nil {
		if user.GetLongName() != "" {
			node.LongName = user.GetLongName()
		}
		if user.GetShortName() != "" {
			node.ShortName = user.GetShortName()
		}
		if user.GetHwModel() != pb.HardwareModel_UNSET {
			node.HwModel = user.GetHwModel().String()
		}
	}
	if snr := info.GetSnr(); snr != 0 {
		v := float64(snr)
		node.Snr = &v
	}
	if info.HopsAway != nil {
		v := int64(info.GetHopsAway())
		node.HopsAway = &v
	}
	if lh := info.GetLastHeard(); lh != 0 {
		t := time.Unix(int64(lh), 0)
		node.LastHeard = &t
	}
	node.IsFavorite = info.GetIsFavorite()
	node.IsIgnored = info.GetIsIgnored()

	if err := m.stores.Nodes.UpsertNode(node); err != nil {
		m.log.Error("failed to store nodedb entry", "nodeId", node.NodeID, "error", err)
		return
	}

	if local, ok := m.session.NodeNum(); ok && local == num {
		m.session.ApplyNodeInfo(num, node.LongName, node.ShortName, node.HwModel)
	}
}

func (m *Manager) handleChannelEntry(ch *pb.Channel) {
	settings := ch.GetSettings()

	var role string
	switch ch.GetRole() {
	case pb.Channel_PRIMARY:
		role = models.ChannelRolePrimary
	case pb.Channel_SECONDARY:
		role = models.ChannelRoleSecondary
	default:
		role = models.ChannelRoleDisabled
	}

	channel := &models.Channel{
		Index: int(ch.GetIndex()),
		Name:  settings.GetName(),
		// The single-byte default PSK does not count as a real key.
		HasPSK:          len(settings.GetPsk()) > 1,
		Role:            role,
		UplinkEnabled:   settings.GetUplinkEnabled(),
		DownlinkEnabled: settings.GetDownlinkEnabled(),
	}
	if ms := settings.GetModuleSettings(); ms != nil && ms.GetPositionPrecision() != 0 {
		v := int64(ms.GetPositionPrecision())
		channel.PositionPrecision = &v
	}

	if err := m.stores.Channels.UpsertChannel(channel); err != nil {
		m.log.Error("failed to store channel", "index", channel.Index, "error", err)
	}
}

func (m *Manager) handleConfigComplete(id uint32) {
	m.mu.Lock()
	expected := m.configID
	m.status.Configuring = false
	m.mu.Unlock()

	if id != expected {
		m.log.Warn("config complete for unexpected session", "got", id, "want", expected)
	}

	// If the radio skipped the bootstrap frame this session, fall back
	// to the last persisted identity.
	if _, ok := m.session.NodeNum(); !ok {
		if err := m.session.Restore(); err != nil {
			m.log.Warn("could not restore local identity", "error", err)
		}
	}

	if local, ok := m.session.Local(); ok {
		m.log.Info("configuration complete", "nodeId", local.NodeID, "longName", local.LongName)
	} else {
		m.log.Warn("configuration complete but local identity is unknown")
	}
}

// ready reports whether scheduled jobs may fire.
func (m *Manager) ready() bool {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()

	if !status.Connected || status.Configuring {
		return false
	}
	_, ok := m.session.NodeNum()
	return ok
}

// Status returns the current connection status.
func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LocalIdentity returns the current local node identity, if known.
func (m *Manager) LocalIdentity() (LocalIdentity, bool) {
	return m.session.Local()
}

// MergedConfig returns the merged configuration snapshot.
func (m *Manager) MergedConfig() MergedConfig {
	return m.configCache.Merged()
}

// --- outbound ---

func randomPacketID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

func (m *Manager) writeToRadio(msg *pb.ToRadio) error {
	frame, err := stream.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to radio")
	}

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// sendData wraps a Data payload in a mesh packet and hands it to the
// radio. Returns the packet ID the radio echoes in routing acks.
func (m *Manager) sendData(data *pb.Data, dest uint32, channel uint32, wantAck bool, packetID uint32) (uint32, error) {
	if packetID == 0 {
		packetID = m.newPacketID()
	}
	pkt := &pb.MeshPacket{
		To:             dest,
		Id:             packetID,
		Channel:        channel,
		WantAck:        wantAck,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: data},
	}
	err := m.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: pkt},
	})
	if err != nil {
		return 0, err
	}
	return packetID, nil
}

// transmitOutbound is the queue's transmit hook.
func (m *Manager) transmitOutbound(out *Outbound) (uint32, error) {
	data := &pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(out.Text),
	}
	if out.ReplyID != 0 {
		data.ReplyId = out.ReplyID
	}
	if out.Emoji {
		data.Emoji = 1
	}
	// Always ask for an ack so the correlator can track delivery.
	return m.sendData(data, out.Dest, uint32(out.Channel), true, out.PacketID)
}

// SendText validates and queues one text message. An empty dest
// broadcasts on the given channel; a node ID sends a direct message
// (channel sentinel -1). Returns the persisted message ID.
func (m *Manager) SendText(text, dest string, channel int, replyID uint32, emoji bool) (string, error) {
	if text == "" {
		return "", fmt.Errorf("message text is empty")
	}
	if len(text) > automation.MaxMessageBytes {
		return "", fmt.Errorf("message is %d bytes, limit is %d", len(text), automation.MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("message text is not valid UTF-8")
	}

	destNum := models.BroadcastNodeNum
	msgChannel := channel
	radioChannel := channel
	if dest != "" {
		num, err := models.NodeNumFromID(dest)
		if err != nil {
			return "", err
		}
		destNum = num
		msgChannel = models.DirectChannel
		radioChannel = 0
	} else if channel < 0 || channel > 7 {
		return "", fmt.Errorf("channel %d out of range", channel)
	}

	local, ok := m.session.NodeNum()
	if !ok {
		return "", fmt.Errorf("local node identity is not known yet")
	}

	packetID := m.newPacketID()
	now := m.now()
	requestID := int64(packetID)
	msg := &models.Message{
		ID:            fmt.Sprintf("%d-%d", local, packetID),
		FromNodeID:    models.NodeIDFromNum(local),
		ToNodeID:      models.NodeIDFromNum(destNum),
		Channel:       msgChannel,
		PortNum:       int(pb.PortNum_TEXT_MESSAGE_APP),
		Text:          text,
		SentAt:        &now,
		ReceivedAt:    now,
		RequestID:     &requestID,
		WantAck:       true,
		DeliveryState: models.DeliveryPending,
	}
	if replyID != 0 {
		v := int64(replyID)
		msg.ReplyID = &v
	}
	msg.Emoji = emoji

	if err := m.stores.Messages.InsertMessage(msg); err != nil {
		return "", fmt.Errorf("failed to persist message: %w", err)
	}

	err := m.queue.Enqueue(&Outbound{
		Text:     text,
		Dest:     destNum,
		Channel:  int32(radioChannel),
		ReplyID:  replyID,
		Emoji:    emoji,
		WantAck:  true,
		PacketID: packetID,
	})
	if err != nil {
		reason := err.Error()
		_ = m.stores.Messages.UpdateDeliveryState(msg.ID, models.DeliveryFailed, &reason)
		return "", err
	}

	return msg.ID, nil
}

// SendTraceroute asks the radio to trace the route to a node.
func (m *Manager) SendTraceroute(dest uint32) error {
	payload, err := proto.Marshal(&pb.RouteDiscovery{})
	if err != nil {
		return err
	}
	data := &pb.Data{
		Portnum:      pb.PortNum_TRACEROUTE_APP,
		Payload:      payload,
		WantResponse: true,
	}
	if _, err := m.sendData(data, dest, 0, false, 0); err != nil {
		return err
	}
	if err := m.stores.Nodes.SetLastTraceroute(dest, m.now()); err != nil {
		m.log.Error("failed to record traceroute time", "nodeNum", dest, "error", err)
	}
	m.log.Info("traceroute sent", "dest", models.NodeIDFromNum(dest))
	return nil
}

// SendPositionRequest asks a node to exchange positions.
func (m *Manager) SendPositionRequest(dest uint32) error {
	data := &pb.Data{
		Portnum:      pb.PortNum_POSITION_APP,
		WantResponse: true,
	}
	_, err := m.sendData(data, dest, 0, false, 0)
	return err
}

// RequestStats asks the local radio for device metrics.
func (m *Manager) RequestStats() error {
	local, ok := m.session.NodeNum()
	if !ok {
		return fmt.Errorf("local node identity is not known yet")
	}
	payload, err := proto.Marshal(&pb.Telemetry{})
	if err != nil {
		return err
	}
	data := &pb.Data{
		Portnum:      pb.PortNum_TELEMETRY_APP,
		Payload:      payload,
		WantResponse: true,
	}
	_, err = m.sendData(data, local, 0, false, 0)
	return err
}

// tracerouteSweep traces the node that has waited longest.
func (m *Manager) tracerouteSweep() {
	local, ok := m.session.NodeNum()
	if !ok {
		return
	}
	node, err := m.stores.Nodes.NodeNeedingTraceroute(local)
	if err != nil {
		m.log.Error("failed to pick traceroute target", "error", err)
		return
	}
	if node == nil {
		return
	}
	if err := m.SendTraceroute(node.NodeNum); err != nil {
		m.log.Warn("traceroute sweep send failed", "nodeId", node.NodeID, "error", err)
	}
}

// Announce broadcasts the configured announcement. When onStart is set a
// one-hour anti-spam gate applies against the persisted last
// announcement time.
func (m *Manager) Announce(onStart bool) {
	text := m.cfg.Scheduler.AnnounceMessage
	if text == "" {
		return
	}

	if onStart {
		if raw, ok, err := m.stores.Settings.Get(lastAnnounceSetting); err == nil && ok {
			if last, err := time.Parse(time.RFC3339, raw); err == nil &&
				m.now().Sub(last) < announceMinGap {
				m.log.Debug("skipping start announcement", "lastAnnounce", last)
				return
			}
		}
	}

	text = automation.ReplaceTokens(text, m.baseTokenContext())
	err := m.queue.Enqueue(&Outbound{
		Text:    automation.Truncate(text, automation.MaxMessageBytes),
		Dest:    models.BroadcastNodeNum,
		Channel: int32(m.cfg.Scheduler.AnnounceChannel),
	})
	if err != nil {
		m.log.Warn("failed to queue announcement", "error", err)
		return
	}

	if err := m.stores.Settings.Set(lastAnnounceSetting, m.now().Format(time.RFC3339)); err != nil {
		m.log.Error("failed to record announcement time", "error", err)
	}
	m.log.Info("announcement queued", "channel", m.cfg.Scheduler.AnnounceChannel)
}

// RestartScheduler applies new scheduler settings.
func (m *Manager) RestartScheduler(cfg config.SchedulerSettings) {
	m.cfg.Scheduler = cfg
	m.scheduler.Restart(cfg)
}

// --- token context ---

func (m *Manager) baseTokenContext() automation.TokenContext {
	total, online, direct, err := m.stores.Nodes.CountNodes(onlineWindow)
	if err != nil {
		m.log.Error("failed to count nodes", "error", err)
	}

	version := m.version
	if local, ok := m.session.Local(); ok && local.FirmwareVersion != "" {
		version = local.FirmwareVersion
	}

	return automation.TokenContext{
		Version:     version,
		Uptime:      m.now().Sub(m.startedAt),
		NodesTotal:  total,
		NodesOnline: online,
		NodesDirect: direct,
		Hops:        -1,
		Now:         m.now(),
	}
}

func (m *Manager) tokenContext(in automation.Incoming) automation.TokenContext {
	tctx := m.baseTokenContext()
	tctx.Hops = in.Hops
	tctx.Snr = in.Snr
	tctx.Rssi = in.Rssi
	tctx.ChannelName = m.channelName(in.Channel)
	tctx.SenderLong = in.FromLong
	tctx.SenderShort = in.FromShort
	tctx.SenderID = in.FromID
	return tctx
}

func (m *Manager) channelName(idx int) string {
	if idx == models.DirectChannel {
		return "DM"
	}
	ch, err := m.stores.Channels.GetChannel(idx)
	if err == nil && ch != nil && ch.Name != "" {
		return ch.Name
	}
	return fmt.Sprintf("Channel %d", idx)
}
