// Package transport adapts WebRTC data channels and WebSocket connections into hub sessions.
//
// A transport only reports "channel opened", "message received" and "channel closed" to the
// hub and gives it a Channel to write on; everything else is routing.
package transport

import (
	"github.com/pulseai/pulsehub/internal/hub"
)

// SessionHandler is the hub surface a transport drives. *hub.Router implements it.
type SessionHandler interface {
	Register(id, role string, ch hub.Channel) *hub.Session
	Open(sess *hub.Session)
	Handle(sess *hub.Session, raw []byte)
	Close(sess *hub.Session)
}

const defaultRole = "unknown"
