package netfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// DefaultOfferTimeout bounds ICE gathering while answering an offer.
const DefaultOfferTimeout = 10 * time.Second

// WebRTCOptions configures a WebRTCReceiver.
type WebRTCOptions struct {
	// ICEServers are STUN/TURN URLs offered to the peer connection.
	ICEServers []string

	// OfferTimeout bounds one offer/answer exchange.
	OfferTimeout time.Duration

	Logger *slog.Logger
}

// WebRTCReceiver answers WebRTC offers from a single remote peer and writes
// the opus payloads of its audio track to out. Reply audio starts when the
// track arrives and stops when it ends. A new offer replaces the current
// peer.
type WebRTCReceiver struct {
	out        io.Writer
	controller Controller
	opts       WebRTCOptions
	logger     *slog.Logger
	c          counters

	mu sync.Mutex
	pc *webrtc.PeerConnection
}

// NewWebRTCReceiver creates a receiver writing track payloads to out.
func NewWebRTCReceiver(out io.Writer, controller Controller, opts WebRTCOptions) *WebRTCReceiver {
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = DefaultOfferTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCReceiver{
		out:        out,
		controller: controller,
		opts:       opts,
		logger:     logger.With("component", "netfeed_webrtc"),
	}
}

// RegisterRoutes mounts the signalling endpoint at POST /api/duplex/offer.
// The body is a session description of type offer; the reply is the
// answer with every ICE candidate gathered.
func (r *WebRTCReceiver) RegisterRoutes(app *fiber.App) {
	app.Post("/api/duplex/offer", r.handleOffer)
}

func (r *WebRTCReceiver) handleOffer(c *fiber.Ctx) error {
	var offer webrtc.SessionDescription
	if err := c.BodyParser(&offer); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return fiber.NewError(fiber.StatusBadRequest, "offer required")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), r.opts.OfferTimeout)
	defer cancel()

	answer, err := r.Accept(ctx, offer)
	if err != nil {
		r.logger.Warn("offer rejected", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(answer)
}

// Accept answers offer with a receive-only audio connection.
func (r *WebRTCReceiver) Accept(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	cfg := webrtc.Configuration{}
	if len(r.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: r.opts.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create peer connection: %w", err)
	}

	answer, err := r.negotiate(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, err
	}

	r.mu.Lock()
	prev := r.pc
	r.pc = pc
	r.mu.Unlock()
	if prev != nil {
		r.logger.Info("replacing peer")
		_ = prev.Close()
	}
	return answer, nil
}

func (r *WebRTCReceiver) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		r.logger.Info("audio track received", "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))
		r.pump(func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Info("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			// Closing from inside a pion callback blocks on the callback.
			go r.drop(pc)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set answer: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("gather candidates: %w", ctx.Err())
	}
	return *pc.LocalDescription(), nil
}

// pump writes the payloads returned by next until it fails.
func (r *WebRTCReceiver) pump(next func() (*rtp.Packet, error)) {
	if r.controller != nil {
		if err := r.controller.StartDuplex(); err != nil {
			r.logger.Warn("start duplex failed", "error", err)
		}
	}
	defer func() {
		if r.controller == nil {
			return
		}
		if err := r.controller.StopDuplex(); err != nil {
			r.logger.Debug("stop duplex", "error", err)
		}
	}()

	var seq sequencer
	for {
		pkt, err := next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("audio track ended", "error", err)
			}
			return
		}
		if !seq.accept(pkt, &r.c) {
			r.c.dropped.Add(1)
			continue
		}
		r.c.messages.Add(1)
		r.c.bytes.Add(uint64(len(pkt.Payload)))
		if _, err := r.out.Write(pkt.Payload); err != nil {
			r.logger.Warn("write input failed", "error", err)
			return
		}
	}
}

func (r *WebRTCReceiver) drop(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	if r.pc == pc {
		r.pc = nil
	}
	r.mu.Unlock()
	_ = pc.Close()
}

// Connected reports whether a peer connection is established.
func (r *WebRTCReceiver) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pc != nil && r.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// Stats returns traffic counters.
func (r *WebRTCReceiver) Stats() Stats { return r.c.stats() }

// Close hangs up the current peer.
func (r *WebRTCReceiver) Close() error {
	r.mu.Lock()
	pc := r.pc
	r.pc = nil
	r.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}
