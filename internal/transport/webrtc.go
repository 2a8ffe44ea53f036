package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pulseai/pulsehub/internal/hub"
)

const iceGatherTimeout = 10 * time.Second

// ErrChannelNotReady is returned when writing before the peer's data channel exists.
var ErrChannelNotReady = errors.New("data channel not ready")

// WebRTCAnswerer answers SDP offers and turns the resulting data channel into a hub session.
type WebRTCAnswerer struct {
	handler SessionHandler
	logger  *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// NewWebRTCAnswerer creates an answerer.
func NewWebRTCAnswerer(handler SessionHandler, iceConfig ICEConfig, logger *slog.Logger) *WebRTCAnswerer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCAnswerer{handler: handler, iceConfig: iceConfig, logger: logger}
}

// UpdateICEConfig replaces the ICE servers used for subsequent offers.
func (a *WebRTCAnswerer) UpdateICEConfig(config ICEConfig) {
	a.configMu.Lock()
	a.iceConfig = config
	a.configMu.Unlock()
}

// Answer registers clientID with the hub, applies the remote offer and returns the local
// answer once ICE gathering completes. The session opens when the client's data channel does.
func (a *WebRTCAnswerer) Answer(ctx context.Context, clientID, role string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if role == "" {
		role = defaultRole
	}

	pc, err := a.newPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerChannel{pc: pc}
	sess := a.handler.Register(clientID, role, peer)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		a.handleDataChannel(sess, peer, dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Info("peer connection state change",
			slog.String("client_id", clientID),
			slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			a.handler.Close(sess)
		}
	})

	fail := func(err error) (webrtc.SessionDescription, error) {
		a.handler.Close(sess)
		return webrtc.SessionDescription{}, err
	}

	if offer.Type == webrtc.SDPTypeUnknown {
		offer.Type = webrtc.SDPTypeOffer
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("setting local description: %w", err))
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fail(fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	a.logger.Info("WebRTC offer answered",
		slog.String("client_id", clientID),
		slog.String("role", role))
	return *pc.LocalDescription(), nil
}

func (a *WebRTCAnswerer) handleDataChannel(sess *hub.Session, peer *peerChannel, dc *webrtc.DataChannel) {
	a.logger.Debug("data channel received",
		slog.String("client_id", sess.ID),
		slog.String("label", dc.Label()))

	if !peer.attach(dc) {
		// One session per peer connection; extra channels are refused.
		a.logger.Debug("closing extra data channel", slog.String("client_id", sess.ID), slog.String("label", dc.Label()))
		_ = dc.Close()
		return
	}

	dc.OnOpen(func() {
		a.handler.Open(sess)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		a.handler.Handle(sess, msg.Data)
	})
	dc.OnClose(func() {
		a.handler.Close(sess)
	})
}

// newPeerConnection creates a pion PeerConnection with the current ICE config.
func (a *WebRTCAnswerer) newPeerConnection() (*webrtc.PeerConnection, error) {
	a.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: a.iceConfig.Servers,
	}
	loopback := a.iceConfig.IncludeLoopback
	a.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(loopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// peerChannel is the hub.Channel for a WebRTC peer. Messages go out as text on the first data
// channel the client opened.
type peerChannel struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	closeOnce sync.Once
}

func (p *peerChannel) attach(dc *webrtc.DataChannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dc != nil {
		return false
	}
	p.dc = dc
	return true
}

func (p *peerChannel) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return ErrChannelNotReady
	}
	return dc.SendText(string(data))
}

// Close tears down the peer connection. It may be reached from inside pion callbacks, so the
// close runs on its own goroutine.
func (p *peerChannel) Close() error {
	p.closeOnce.Do(func() {
		go func() {
			_ = p.pc.Close()
		}()
	})
	return nil
}
