package protocol

import "touchmouse/models"

// MessageType is the wire discriminator of a frame.
type MessageType string

const (
	TypeMove      MessageType = "MOVE"
	TypeAction    MessageType = "ACTION"
	TypeAdvertise MessageType = "ADVERTISE"
	TypeConnect   MessageType = "CONNECT"
	TypeHandshake MessageType = "HANDSHAKE"
)

// Direction is one of the eight compass directions a MOVE can carry.
type Direction string

const (
	DirectionUp        Direction = "UP"
	DirectionDown      Direction = "DOWN"
	DirectionLeft      Direction = "LEFT"
	DirectionRight     Direction = "RIGHT"
	DirectionUpLeft    Direction = "UP_LEFT"
	DirectionUpRight   Direction = "UP_RIGHT"
	DirectionDownLeft  Direction = "DOWN_LEFT"
	DirectionDownRight Direction = "DOWN_RIGHT"
)

// Directions lists every valid direction in clockwise order starting at UP.
var Directions = []Direction{
	DirectionUp,
	DirectionUpRight,
	DirectionRight,
	DirectionDownRight,
	DirectionDown,
	DirectionDownLeft,
	DirectionLeft,
	DirectionUpLeft,
}

type vector struct{ dx, dy int }

// Screen coordinates: y grows downwards.
var directionVectors = map[Direction]vector{
	DirectionUp:        {0, -1},
	DirectionDown:      {0, 1},
	DirectionLeft:      {-1, 0},
	DirectionRight:     {1, 0},
	DirectionUpLeft:    {-1, -1},
	DirectionUpRight:   {1, -1},
	DirectionDownLeft:  {-1, 1},
	DirectionDownRight: {1, 1},
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	_, ok := directionVectors[d]
	return ok
}

// Vector returns the signed unit step for d. Unknown directions return (0, 0).
func (d Direction) Vector() (dx, dy int) {
	v := directionVectors[d]
	return v.dx, v.dy
}

// Action is a discrete pointer action.
type Action string

const (
	ActionLeftClick   Action = "LEFT_CLICK"
	ActionRightClick  Action = "RIGHT_CLICK"
	ActionDoubleClick Action = "DOUBLE_CLICK"
	ActionDrag        Action = "DRAG"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionLeftClick, ActionRightClick, ActionDoubleClick, ActionDrag:
		return true
	default:
		return false
	}
}

// Message is the closed set of frames exchanged between controller,
// receiver and bridge. Only the types in this package implement it.
type Message interface {
	Type() MessageType
	isMessage()
}

// MoveMessage asks the receiver to step the pointer once.
type MoveMessage struct {
	Direction Direction `json:"direction"`
	Intensity int       `json:"intensity"`
}

// ActionMessage asks the receiver to perform a pointer action.
type ActionMessage struct {
	Action Action
}

// AdvertiseMessage announces a receiver on the local channel.
type AdvertiseMessage struct {
	Device models.DeviceInfo
}

// ConnectMessage asks an addressed receiver to bind to the sender.
type ConnectMessage struct {
	From string `json:"from,omitempty"`
}

// HandshakeMessage is pushed by a bridge right after the stream opens.
type HandshakeMessage struct {
	Name string `json:"name"`
}

func (MoveMessage) Type() MessageType      { return TypeMove }
func (ActionMessage) Type() MessageType    { return TypeAction }
func (AdvertiseMessage) Type() MessageType { return TypeAdvertise }
func (ConnectMessage) Type() MessageType   { return TypeConnect }
func (HandshakeMessage) Type() MessageType { return TypeHandshake }

func (MoveMessage) isMessage()      {}
func (ActionMessage) isMessage()    {}
func (AdvertiseMessage) isMessage() {}
func (ConnectMessage) isMessage()   {}
func (HandshakeMessage) isMessage() {}

// Frame is a decoded message plus its optional local-channel address.
type Frame struct {
	Message  Message
	TargetID string
}
