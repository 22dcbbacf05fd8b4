package transport

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/metrics"
	"github.com/replicon-project/replicon/internal/protocol"
)

// pingWindow is the number of RTT samples averaged into the ping.
const pingWindow = 3

// ReliablePacket is a sent reliable datagram waiting for its acknowledgement.
type ReliablePacket struct {
	Sequence     uint16
	SentAt       time.Time
	LastResendAt time.Time
	Resent       bool

	buf *packetBuffer
}

// ReliableTransfer owns the outgoing side of one connection: sequence
// assignment, the pending map of unacknowledged reliable packets and the RTT
// window.
type ReliableTransfer struct {
	sender  Sender
	addr    *net.UDPAddr
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger

	seqMu   sync.Mutex
	nextSeq uint16

	pendingMu sync.Mutex
	pending   map[uint16]*ReliablePacket
	released  bool

	pingMu      sync.Mutex
	pingSamples [pingWindow]time.Duration
	pingCount   int
	pingNext    int

	sendMu   sync.Mutex
	lastSend time.Time
}

// NewReliableTransfer creates a transfer writing to addr through sender.
// A nil clock uses time.Now.
func NewReliableTransfer(sender Sender, addr *net.UDPAddr, clock func() time.Time, m *metrics.Metrics) *ReliableTransfer {
	if clock == nil {
		clock = time.Now
	}
	return &ReliableTransfer{
		sender:   sender,
		addr:     addr,
		now:      clock,
		metrics:  m,
		logger:   log.With().Str("component", "reliable").Str("remote", addr.String()).Logger(),
		pending:  make(map[uint16]*ReliablePacket),
		lastSend: clock(),
	}
}

// NextSequence returns the next outgoing sequence number. Sequences wrap.
func (r *ReliableTransfer) NextSequence() uint16 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	seq := r.nextSeq
	r.nextSeq++
	return seq
}

// SendUnreliable frames and transmits a datagram without tracking it.
func (r *ReliableTransfer) SendUnreliable(t protocol.PacketType, payload []byte) bool {
	if len(payload) > protocol.MaxPayloadSize {
		r.metrics.PacketDropped("oversize")
		return false
	}
	data := protocol.Frame(t, false, r.NextSequence(), payload)
	return r.write(t, data)
}

// SendAck acknowledges seq. Acks carry no sequence of their own since the
// receiver never tracks them, and they do not hold off keep-alives.
func (r *ReliableTransfer) SendAck(seq uint16) bool {
	return r.write(protocol.Ack, protocol.Frame(protocol.Ack, false, 0, protocol.AckPayload(seq)))
}

// SendReliable frames a datagram with the reliable flag, records it as pending
// and transmits it. The record exists before the first transmission so an
// early acknowledgement always finds it.
func (r *ReliableTransfer) SendReliable(t protocol.PacketType, payload []byte) bool {
	if len(payload) > protocol.MaxPayloadSize {
		r.metrics.PacketDropped("oversize")
		return false
	}

	seq := r.NextSequence()
	buf := newPacketBuffer()
	buf.data = protocol.AppendFrame(buf.data, t, true, seq, payload)

	now := r.now()
	pkt := &ReliablePacket{Sequence: seq, SentAt: now, LastResendAt: now, buf: buf}

	r.pendingMu.Lock()
	if r.released {
		r.pendingMu.Unlock()
		buf.release()
		return false
	}
	if old, ok := r.pending[seq]; ok {
		// The sequence wrapped onto a packet that was never acknowledged.
		old.buf.release()
		r.metrics.PendingAdd(-1)
	}
	r.pending[seq] = pkt
	buf.retain()
	r.pendingMu.Unlock()
	r.metrics.PendingAdd(1)

	ok := r.write(t, buf.data)
	buf.release()
	return ok
}

func (r *ReliableTransfer) write(t protocol.PacketType, data []byte) bool {
	if _, err := r.sender.WriteTo(data, r.addr); err != nil {
		r.logger.Debug().Err(err).Str("type", t.String()).Msg("datagram write failed")
		return false
	}
	if t != protocol.Ack {
		r.sendMu.Lock()
		r.lastSend = r.now()
		r.sendMu.Unlock()
	}
	r.metrics.PacketSent(t.String())
	return true
}

// AcknowledgeSequence removes seq from the pending map. It reports whether the
// packet was pending, whether it had been retransmitted and how long ago it
// was first sent.
func (r *ReliableTransfer) AcknowledgeSequence(seq uint16) (found, wasResent bool, sinceSent time.Duration) {
	r.pendingMu.Lock()
	pkt, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
	}
	r.pendingMu.Unlock()

	if !ok {
		return false, false, 0
	}
	pkt.buf.release()
	r.metrics.PendingAdd(-1)
	return true, pkt.Resent, r.now().Sub(pkt.SentAt)
}

// AddPingSample folds an RTT sample into the window.
func (r *ReliableTransfer) AddPingSample(d time.Duration) {
	r.pingMu.Lock()
	r.pingSamples[r.pingNext] = d
	r.pingNext = (r.pingNext + 1) % pingWindow
	if r.pingCount < pingWindow {
		r.pingCount++
	}
	r.pingMu.Unlock()
	r.metrics.ObserveRTT(d)
}

// Ping returns the mean of the most recent samples, or zero with none.
func (r *ReliableTransfer) Ping() time.Duration {
	r.pingMu.Lock()
	defer r.pingMu.Unlock()
	if r.pingCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.pingCount; i++ {
		sum += r.pingSamples[i]
	}
	return sum / time.Duration(r.pingCount)
}

// ResendExpired retransmits every pending packet whose last transmission is
// older than interval. It reports unresponsive when any pending packet was
// first sent more than timeout ago.
func (r *ReliableTransfer) ResendExpired(interval, timeout time.Duration) (resent int, unresponsive bool) {
	now := r.now()

	var due []*ReliablePacket
	r.pendingMu.Lock()
	for _, pkt := range r.pending {
		if now.Sub(pkt.SentAt) > timeout {
			unresponsive = true
		}
		if now.Sub(pkt.LastResendAt) >= interval {
			pkt.LastResendAt = now
			pkt.Resent = true
			pkt.buf.retain()
			due = append(due, pkt)
		}
	}
	r.pendingMu.Unlock()

	for _, pkt := range due {
		if _, err := r.sender.WriteTo(pkt.buf.data, r.addr); err == nil {
			resent++
			r.metrics.PacketResent()
		}
		pkt.buf.release()
	}
	if resent > 0 {
		r.sendMu.Lock()
		r.lastSend = now
		r.sendMu.Unlock()
	}
	return resent, unresponsive
}

// TimeSinceLastSend reports how long the transfer has been idle.
func (r *ReliableTransfer) TimeSinceLastSend() time.Duration {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.now().Sub(r.lastSend)
}

// PendingCount returns the number of unacknowledged reliable packets.
func (r *ReliableTransfer) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Release frees every pending buffer. Later reliable sends fail.
func (r *ReliableTransfer) Release() {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = make(map[uint16]*ReliablePacket)
	r.released = true
	r.pendingMu.Unlock()

	for _, pkt := range pending {
		pkt.buf.release()
	}
	r.metrics.PendingAdd(-len(pending))
}
