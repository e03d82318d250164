package bridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/mesh-node-bridge/pkg/automation"
)

const (
	// queueSendInterval paces transmissions so the radio's own queue and
	// the regional duty cycle are not overwhelmed.
	queueSendInterval = 2 * time.Second
	queueMaxAttempts  = 3
)

// Outbound is one queued transmission. Completion and failure arrive via
// the callbacks, never as return values: the mesh round trip can take
// many seconds over multiple hops.
type Outbound struct {
	Text    string
	Dest    uint32
	Channel int32
	// ReplyID threads this message under an earlier packet. Emoji marks
	// the text as a tapback reaction rather than a message.
	ReplyID uint32
	Emoji   bool
	WantAck bool
	// PacketID, when nonzero, is the pre-assigned radio packet ID so the
	// caller can persist the request ID before transmission.
	PacketID uint32

	OnDelivered func()
	OnFailed    func(reason string)
}

// TransmitFunc hands one outbound to the radio and returns the packet ID
// the radio round-trips in routing acks.
type TransmitFunc func(out *Outbound) (packetID uint32, err error)

// Queue serializes outbound transmissions, paces them and retries on
// negative acknowledgement. It never blocks inbound frame processing.
type Queue struct {
	log      *slog.Logger
	transmit TransmitFunc
	interval time.Duration

	mu      sync.Mutex
	pending map[uint32]*pendingSend
	backlog chan *Outbound
	stop    chan struct{}
	done    chan struct{}
}

type pendingSend struct {
	out      *Outbound
	attempts int
}

func NewQueue(transmit TransmitFunc, log *slog.Logger) *Queue {
	return &Queue{
		log:      log,
		transmit: transmit,
		interval: queueSendInterval,
		pending:  make(map[uint32]*pendingSend),
		backlog:  make(chan *Outbound, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sender goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Stop halts the sender goroutine. Queued messages are dropped.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

// Enqueue validates and queues one outbound. A text over the radio
// payload budget is rejected here, before any side effect.
func (q *Queue) Enqueue(out *Outbound) error {
	if out.Text == "" && !out.Emoji {
		return fmt.Errorf("message text is empty")
	}
	if len(out.Text) > automation.MaxMessageBytes {
		return fmt.Errorf("message is %d bytes, limit is %d", len(out.Text), automation.MaxMessageBytes)
	}

	select {
	case q.backlog <- out:
		return nil
	default:
		return fmt.Errorf("outbound queue is full")
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case out := <-q.backlog:
			q.send(out, 1)
		}

		// Pace the next transmission.
		select {
		case <-q.stop:
			return
		case <-time.After(q.interval):
		}
	}
}

func (q *Queue) send(out *Outbound, attempt int) {
	packetID, err := q.transmit(out)
	if err != nil {
		q.log.Error("failed to transmit message", "dest", out.Dest, "error", err)
		if out.OnFailed != nil {
			out.OnFailed(err.Error())
		}
		return
	}

	q.mu.Lock()
	q.pending[packetID] = &pendingSend{out: out, attempts: attempt}
	q.mu.Unlock()
}

// HandleAck clears the pending entry for a transmitted packet and fires
// the delivery callback. Called by the correlator on a successful ack.
func (q *Queue) HandleAck(packetID uint32) {
	q.mu.Lock()
	ps, ok := q.pending[packetID]
	if ok {
		delete(q.pending, packetID)
	}
	q.mu.Unlock()

	if ok && ps.out.OnDelivered != nil {
		ps.out.OnDelivered()
	}
}

// HandleNak retries a negatively acknowledged packet until the attempt
// budget runs out, then fires the failure callback. It reports whether
// the failure is terminal: false means a retry was scheduled and the
// caller must not mark the send failed yet. A packet the queue is not
// tracking is terminal; nothing will retry it.
func (q *Queue) HandleNak(packetID uint32, reason string) bool {
	q.mu.Lock()
	ps, ok := q.pending[packetID]
	if ok {
		delete(q.pending, packetID)
	}
	q.mu.Unlock()

	if !ok {
		return true
	}

	if ps.attempts < queueMaxAttempts {
		q.log.Info("retrying message after routing error",
			"dest", ps.out.Dest, "attempt", ps.attempts+1, "reason", reason)
		go func() {
			select {
			case <-q.stop:
			case <-time.After(q.interval):
				q.send(ps.out, ps.attempts+1)
			}
		}()
		return false
	}

	q.log.Warn("message failed after retries", "dest", ps.out.Dest, "reason", reason)
	if ps.out.OnFailed != nil {
		ps.out.OnFailed(reason)
	}
	return true
}

// PendingCount reports how many transmissions await acknowledgement.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
