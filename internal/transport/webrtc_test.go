package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/utils"
)

func newLoopbackPeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func TestWebRTCAnswererOpensSession(t *testing.T) {
	router := hub.NewRouter(hub.DefaultConfig(), nil, utils.DiscardLogger())
	answerer := NewWebRTCAnswerer(router, ICEConfig{IncludeLoopback: true}, utils.DiscardLogger())

	client := newLoopbackPeer(t)
	dc, err := client.CreateDataChannel("pulse", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}

	inbox := make(chan map[string]any, 8)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m map[string]any
		if err := json.Unmarshal(msg.Data, &m); err == nil {
			inbox <- m
		}
	})
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(client)
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	answer, err := answerer.Answer(ctx, "pos-1", "agent", *client.LocalDescription())
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if err := client.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote description: %v", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatalf("data channel did not open")
	}

	select {
	case msg := <-inbox:
		if msg["type"] != "welcome" || msg["client_id"] != "pos-1" {
			t.Fatalf("unexpected first message %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("no welcome received")
	}

	if err := dc.SendText(`{"type":"ping","ts":"x"}`); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	select {
	case msg := <-inbox:
		if msg["type"] != "pong" || msg["ts"] != "x" {
			t.Fatalf("unexpected reply %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("no pong received")
	}
}

func TestWebRTCAnswererRejectsBadOffer(t *testing.T) {
	router := hub.NewRouter(hub.DefaultConfig(), nil, utils.DiscardLogger())
	answerer := NewWebRTCAnswerer(router, ICEConfig{}, utils.DiscardLogger())

	_, err := answerer.Answer(context.Background(), "pos-1", "agent", webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "not an sdp",
	})
	if err == nil {
		t.Fatalf("expected an error for an invalid offer")
	}
	if router.Registry().Len() != 0 {
		t.Fatalf("failed offers must not leave a session behind")
	}
}

func TestICEConfigFromURLs(t *testing.T) {
	cfg := ICEConfigFromURLs([]string{"stun:stun.example:3478", "", "turn:turn.example:3478"}, "user", "secret")
	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Servers))
	}
	if cfg.Servers[0].Username != "" {
		t.Fatalf("stun entries carry no credentials")
	}
	if cfg.Servers[1].Username != "user" || cfg.Servers[1].Credential != "secret" {
		t.Fatalf("turn entry missing credentials: %+v", cfg.Servers[1])
	}
}
