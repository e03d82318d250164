package bridge

import (
	"log/slog"

	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/kabili207/mesh-node-bridge/pkg/models"
	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

// Correlator matches routing acks and errors back to the outbound
// messages that requested them and drives the delivery state machine:
// pending -> delivered -> confirmed, or pending/delivered -> failed.
type Correlator struct {
	log      *slog.Logger
	messages store.MessageStore

	// localNodeNum resolves the currently attached radio, if known.
	localNodeNum func() (uint32, bool)

	// onAcked clears the queue's pending entry for an acknowledged
	// packet. onNak hands a routing error to the queue and reports
	// whether the failure is terminal (retry budget exhausted) or a
	// retry was scheduled.
	onAcked func(requestID uint32)
	onNak   func(requestID uint32, reason string) bool

	// onStateChange is invoked after every persisted transition.
	onStateChange func(msg *models.Message, state string)
}

func NewCorrelator(messages store.MessageStore, localNodeNum func() (uint32, bool), log *slog.Logger) *Correlator {
	return &Correlator{
		log:          log,
		messages:     messages,
		localNodeNum: localNodeNum,
	}
}

// SetQueueCallbacks wires the outbound queue's ack/failure hooks.
func (c *Correlator) SetQueueCallbacks(onAcked func(uint32), onNak func(uint32, string) bool) {
	c.onAcked = onAcked
	c.onNak = onNak
}

// SetStateChangeHook registers a listener for delivery-state transitions.
func (c *Correlator) SetStateChangeHook(hook func(msg *models.Message, state string)) {
	c.onStateChange = hook
}

// HandleRouting processes one routing packet. The Data request ID names
// the outbound packet it acknowledges; packets referencing nothing we
// sent are ignored.
func (c *Correlator) HandleRouting(pkt *pb.MeshPacket, data *pb.Data, routing *pb.Routing) {
	requestID := data.GetRequestId()
	if requestID == 0 {
		return
	}

	msg, err := c.messages.GetByRequestID(int64(requestID))
	if err != nil {
		c.log.Error("failed to look up message for routing packet", "requestId", requestID, "error", err)
		return
	}

	if errCode := routing.GetErrorReason(); errCode != pb.Routing_NONE {
		// The queue decides first: a scheduled retry means the send is
		// still in flight and must not be marked failed.
		reason := routingErrorString(errCode)
		terminal := true
		if c.onNak != nil {
			terminal = c.onNak(requestID, reason)
		}
		if msg == nil {
			return
		}
		if !terminal {
			c.log.Debug("routing error queued for retry", "messageId", msg.ID, "reason", reason)
			return
		}
		c.fail(msg, reason)
		return
	}

	if msg == nil {
		// Automation replies and announcements are transmitted without a
		// persisted message; the ack still has to clear the queue entry.
		if c.onAcked != nil {
			c.onAcked(requestID)
		}
		c.log.Debug("acknowledged transient send", "requestId", requestID)
		return
	}

	c.ack(msg, requestID, pkt.GetFrom())
}

// ack applies a zero-error acknowledgement. Three senders matter: the
// local radio (transmitted to the mesh), the direct-message recipient
// (received end to end) and everyone else (relays, ignored). Broadcast
// messages never advance past delivered.
func (c *Correlator) ack(msg *models.Message, requestID uint32, sender uint32) {
	local, haveLocal := c.localNodeNum()

	switch {
	case haveLocal && sender == local:
		if msg.DeliveryState != models.DeliveryPending {
			return
		}
		c.transition(msg, models.DeliveryDelivered, nil)
		if c.onAcked != nil {
			c.onAcked(requestID)
		}

	case msg.IsDirect() && models.NodeIDFromNum(sender) == msg.ToNodeID:
		if msg.DeliveryState != models.DeliveryPending && msg.DeliveryState != models.DeliveryDelivered {
			return
		}
		c.transition(msg, models.DeliveryConfirmed, nil)
		if c.onAcked != nil {
			c.onAcked(requestID)
		}

	default:
		// Relay ack, or a recipient ack for a broadcast message.
		c.log.Debug("ignoring ack", "messageId", msg.ID,
			"sender", models.NodeIDFromNum(sender), "state", msg.DeliveryState)
	}
}

func (c *Correlator) fail(msg *models.Message, reason string) {
	if msg.DeliveryState == models.DeliveryConfirmed || msg.DeliveryState == models.DeliveryFailed {
		return
	}
	c.transition(msg, models.DeliveryFailed, &reason)
}

func (c *Correlator) transition(msg *models.Message, state string, reason *string) {
	if err := c.messages.UpdateDeliveryState(msg.ID, state, reason); err != nil {
		c.log.Error("failed to update delivery state",
			"messageId", msg.ID, "state", state, "error", err)
		return
	}
	msg.DeliveryState = state
	msg.FailureReason = reason

	if reason != nil {
		c.log.Info("message delivery failed", "messageId", msg.ID, "reason", *reason)
	} else {
		c.log.Debug("message delivery state changed", "messageId", msg.ID, "state", state)
	}

	if c.onStateChange != nil {
		c.onStateChange(msg, state)
	}
}

// routingErrorString maps a routing error code to a human-readable reason.
func routingErrorString(code pb.Routing_Error) string {
	switch code {
	case pb.Routing_NO_ROUTE:
		return "no route to destination"
	case pb.Routing_GOT_NAK:
		return "negative acknowledgement from destination"
	case pb.Routing_TIMEOUT:
		return "routing timeout"
	case pb.Routing_NO_INTERFACE:
		return "no suitable interface"
	case pb.Routing_MAX_RETRANSMIT:
		return "maximum retransmissions reached"
	case pb.Routing_NO_CHANNEL:
		return "destination has no matching channel"
	case pb.Routing_TOO_LARGE:
		return "payload too large"
	case pb.Routing_NO_RESPONSE:
		return "no response from destination"
	case pb.Routing_DUTY_CYCLE_LIMIT:
		return "regional duty cycle limit reached"
	case pb.Routing_BAD_REQUEST:
		return "bad request"
	case pb.Routing_NOT_AUTHORIZED:
		return "not authorized"
	case pb.Routing_PKI_FAILED:
		return "encryption failed"
	case pb.Routing_PKI_UNKNOWN_PUBKEY:
		return "unknown public key"
	default:
		return code.String()
	}
}
