package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"touchmouse/models"
)

func TestDirectionVectorsMatchOctant(t *testing.T) {
	cases := []struct {
		direction Direction
		signX     int
		signY     int
	}{
		{DirectionUp, 0, -1},
		{DirectionDown, 0, 1},
		{DirectionLeft, -1, 0},
		{DirectionRight, 1, 0},
		{DirectionUpLeft, -1, -1},
		{DirectionUpRight, 1, -1},
		{DirectionDownLeft, -1, 1},
		{DirectionDownRight, 1, 1},
	}

	for _, tc := range cases {
		dx, dy := tc.direction.Vector()
		assert.Equal(t, tc.signX, sign(dx), "%s x", tc.direction)
		assert.Equal(t, tc.signY, sign(dy), "%s y", tc.direction)
	}
	assert.Len(t, Directions, len(cases))
}

func TestEncodeUsesWireShape(t *testing.T) {
	tests := []struct {
		name   string
		msg    Message
		target string
		want   string
	}{
		{
			name:   "move",
			msg:    MoveMessage{Direction: DirectionRight, Intensity: 3},
			target: "DEV-4821",
			want:   `{"type":"MOVE","payload":{"direction":"RIGHT","intensity":3},"targetId":"DEV-4821"}`,
		},
		{
			name: "action",
			msg:  ActionMessage{Action: ActionLeftClick},
			want: `{"type":"ACTION","payload":"LEFT_CLICK"}`,
		},
		{
			name: "advertise",
			msg:  AdvertiseMessage{Device: models.DeviceInfo{ID: "DEV-4821", Name: "Laptop-552", LastSeen: 42}},
			want: `{"type":"ADVERTISE","payload":{"id":"DEV-4821","name":"Laptop-552","lastSeen":42}}`,
		},
		{
			name:   "connect",
			msg:    ConnectMessage{From: "ctl-1"},
			target: "DEV-4821",
			want:   `{"type":"CONNECT","payload":{"from":"ctl-1"},"targetId":"DEV-4821"}`,
		},
		{
			name: "handshake",
			msg:  HandshakeMessage{Name: "desk"},
			want: `{"type":"HANDSHAKE","payload":{"name":"desk"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.msg, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	invalid := []Message{
		MoveMessage{Direction: "SIDEWAYS", Intensity: 1},
		MoveMessage{Direction: DirectionUp, Intensity: 0},
		ActionMessage{Action: "MIDDLE_CLICK"},
		AdvertiseMessage{},
		nil,
	}
	for _, msg := range invalid {
		_, err := Encode(msg, "")
		assert.ErrorIs(t, err, ErrInvalidMessage, "%#v", msg)
	}
}

func TestDecodeMessages(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"MOVE","payload":{"direction":"UP_LEFT","intensity":1},"targetId":"1234"}`))
	require.NoError(t, err)
	assert.Equal(t, MoveMessage{Direction: DirectionUpLeft, Intensity: 1}, frame.Message)
	assert.Equal(t, "1234", frame.TargetID)

	frame, err = Decode([]byte(`{"type":"ACTION","payload":"DRAG"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionMessage{Action: ActionDrag}, frame.Message)

	frame, err = Decode([]byte(`{"type":"CONNECT","targetId":"DEV-4821"}`))
	require.NoError(t, err)
	assert.IsType(t, ConnectMessage{}, frame.Message)
	assert.Equal(t, "DEV-4821", frame.TargetID)

	frame, err = Decode([]byte(`{"type":"HANDSHAKE","payload":{"name":"studio-mac"}}`))
	require.NoError(t, err)
	assert.Equal(t, HandshakeMessage{Name: "studio-mac"}, frame.Message)
}

func TestDecodeAcceptsLegacySpeedKey(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"MOVE","payload":{"direction":"DOWN","speed":2}}`))
	require.NoError(t, err)

	move, ok := frame.Message.(MoveMessage)
	require.True(t, ok)
	assert.Equal(t, 2, move.Intensity)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	frames := []string{
		``,
		`not json`,
		`{"payload":{}}`,
		`{"type":"PING","payload":{}}`,
		`{"type":"MOVE"}`,
		`{"type":"MOVE","payload":{"direction":"NORTH","intensity":1}}`,
		`{"type":"MOVE","payload":{"direction":"UP"}}`,
		`{"type":"MOVE","payload":{"direction":"UP","intensity":-2}}`,
		`{"type":"ACTION","payload":"TRIPLE_CLICK"}`,
		`{"type":"ACTION","payload":{"kind":"LEFT_CLICK"}}`,
		`{"type":"ADVERTISE","payload":{"name":"nameless"}}`,
		`{"type":"HANDSHAKE","payload":null}`,
	}

	for _, raw := range frames {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrDecode, "%q", raw)
	}
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
