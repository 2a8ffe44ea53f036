package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for answered PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) used during candidate gathering.
	Servers []webrtc.ICEServer
	// IncludeLoopback adds loopback candidates, needed for same-host peers and tests.
	IncludeLoopback bool
}

// DefaultSTUNURLs are the public STUN servers used when none are configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEConfigFromURLs builds one ICE server entry per URL. TURN credentials apply to every
// turn: or turns: URL.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	cfg := ICEConfig{}
	for _, url := range urls {
		if url == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{url}}
		if isTURN(url) {
			server.Username = username
			server.Credential = credential
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg
}

func isTURN(url string) bool {
	return len(url) >= 5 && (url[:5] == "turn:" || (len(url) >= 6 && url[:6] == "turns:"))
}
