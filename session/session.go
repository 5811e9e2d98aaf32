// Package session tracks one connection lifecycle per process, for either
// the controller or the receiver role, independent of the link backing it.
package session

import (
	"errors"
	"log/slog"
	"strings"

	"touchmouse/models"
	"touchmouse/protocol"
	"touchmouse/transport"
)

// State is the lifecycle position of a session.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Role is the side of the session this process plays.
type Role string

const (
	RoleController Role = "controller"
	RoleReceiver   Role = "receiver"
)

// Reason explains a state transition.
type Reason string

const (
	ReasonConnect        Reason = "connect"
	ReasonOpened         Reason = "opened"
	ReasonOptimistic     Reason = "optimistic"
	ReasonAddressedFrame Reason = "addressed_frame"
	ReasonUserExit       Reason = "user_exit"
	ReasonPeerClosed     Reason = "peer_closed"
	ReasonConnectFailure Reason = "connect_failure"
	ReasonInvalidTarget  Reason = "invalid_target"
	ReasonIdleTimeout    Reason = "idle_timeout"
)

var (
	// ErrNotConnected indicates a send outside the CONNECTED state.
	ErrNotConnected = errors.New("session: not connected")
	// ErrBusy indicates a connect while a session is already active.
	ErrBusy = errors.New("session: already active")
)

// EventType identifies session updates.
type EventType string

const (
	// EventStateChanged reports every state transition.
	EventStateChanged EventType = "state_changed"
	// EventNotice reports a one-shot error: connect failure, invalid
	// target or peer closed.
	EventNotice EventType = "notice"
	// EventHandshake reports the name a bridge announced.
	EventHandshake EventType = "handshake"
)

// Event carries session updates for the UI collaborator.
type Event struct {
	Type      EventType
	From      State
	To        State
	Reason    Reason
	Peer      string
	Transport transport.Kind
	Name      string
	Err       error
}

// Info is a point-in-time view of the session.
type Info struct {
	Role      Role
	Peer      string
	State     State
	Transport transport.Kind
}

// Target names the endpoint a controller connects to.
type Target struct {
	ID string
	// Code marks ID as a room code typed by the user.
	Code bool
}

// SelectTransport picks the link for target. The choice is fixed for the
// life of the session. An entered code always means a peer link. An
// address-shaped id means an actuator reached over the socket bridge.
// Anything else is a receiver on the local channel.
func SelectTransport(target Target) transport.Kind {
	switch {
	case target.Code:
		return transport.KindPeerLink
	case models.IsAddress(strings.TrimSpace(target.ID)):
		return transport.KindSocketBridge
	default:
		return transport.KindLocalChannel
	}
}

// FrameHandler consumes inbound MOVE and ACTION messages on the receiver.
type FrameHandler func(msg protocol.Message)

const defaultEventBuffer = 256

type emitter struct {
	events chan Event
	logger *slog.Logger
}

func newEmitter(buffer int, logger *slog.Logger) emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return emitter{events: make(chan Event, buffer), logger: logger}
}

func (e emitter) emit(event Event) {
	select {
	case e.events <- event:
	default:
		e.logger.Warn("session event dropped", "type", event.Type, "to", event.To)
	}
}
