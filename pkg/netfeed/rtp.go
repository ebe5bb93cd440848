package netfeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/pion/rtp"
)

// maxPacketSize is the receive buffer size.
const maxPacketSize = 1500

// RTPReceiver writes RTP payloads received over UDP to a writer. Late and
// duplicate packets are dropped; gaps are counted as lost.
type RTPReceiver struct {
	conn   net.PacketConn
	out    io.Writer
	logger *slog.Logger
	c      counters
	seq    sequencer
}

// NewRTPReceiver creates a receiver on conn. A non-zero payloadType drops
// packets of other types.
func NewRTPReceiver(conn net.PacketConn, out io.Writer, payloadType uint8, logger *slog.Logger) *RTPReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RTPReceiver{
		conn:   conn,
		out:    out,
		seq:    sequencer{payloadType: payloadType},
		logger: logger.With("component", "netfeed_rtp"),
	}
}

// ListenRTP opens a UDP socket on addr.
func ListenRTP(addr string, out io.Writer, payloadType uint8, logger *slog.Logger) (*RTPReceiver, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewRTPReceiver(conn, out, payloadType, logger), nil
}

// Addr returns the local address.
func (r *RTPReceiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Run receives until ctx is cancelled, then closes the socket.
func (r *RTPReceiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.c.dropped.Add(1)
			r.logger.Debug("bad rtp packet", "error", err)
			continue
		}
		if !r.accept(&pkt) {
			r.c.dropped.Add(1)
			continue
		}

		r.c.messages.Add(1)
		r.c.bytes.Add(uint64(len(pkt.Payload)))
		if _, err := r.out.Write(pkt.Payload); err != nil {
			return err
		}
	}
}

func (r *RTPReceiver) accept(pkt *rtp.Packet) bool { return r.seq.accept(pkt, &r.c) }

// sequencer orders the packets of one RTP stream.
type sequencer struct {
	payloadType uint8

	started bool
	lastSeq uint16
}

// accept reports whether pkt should be played. Gaps are added to c.lost.
func (s *sequencer) accept(pkt *rtp.Packet, c *counters) bool {
	if s.payloadType != 0 && pkt.PayloadType != s.payloadType {
		return false
	}
	if len(pkt.Payload) == 0 {
		return false
	}
	if !s.started {
		s.started = true
		s.lastSeq = pkt.SequenceNumber
		return true
	}

	delta := int16(pkt.SequenceNumber - s.lastSeq)
	if delta <= 0 {
		return false
	}
	if delta > 1 {
		c.lost.Add(uint64(delta - 1))
	}
	s.lastSeq = pkt.SequenceNumber
	return true
}

// Stats returns traffic counters.
func (r *RTPReceiver) Stats() Stats { return r.c.stats() }

// Close closes the socket.
func (r *RTPReceiver) Close() error {
	err := r.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

