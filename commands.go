package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"touchmouse/app"
	"touchmouse/protocol"
	"touchmouse/session"
)

type commandKind int

const (
	commandHelp commandKind = iota
	commandList
	commandConnect
	commandForget
	commandCode
	commandMove
	commandTap
	commandCenter
	commandSensitivity
	commandStatus
	commandExit
	commandQuit
)

const defaultHold = 100 * time.Millisecond

type command struct {
	kind      commandKind
	target    string
	direction protocol.Direction
	hold      time.Duration
	action    protocol.Action
}

var errEmptyCommand = errors.New("empty command")

const helpText = `commands:
  list                     show discovered receivers and bridges
  connect <id|address>     connect over the local channel or a bridge
  code <1234>              connect to a receiver's room code
  forget <address>         drop a remembered bridge
  move <direction> [ms]    hold a direction (UP, DOWN_LEFT, ...)
  click | right | double   send a click
  drag                     toggle the drag latch
  center                   center button (left click)
  sens                     toggle precision/navigation
  status                   show the session
  exit                     leave the session
  quit                     stop the controller`

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errEmptyCommand
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]
	switch name {
	case "help", "?":
		return command{kind: commandHelp}, nil
	case "list", "ls":
		return command{kind: commandList}, nil
	case "connect":
		if len(args) != 1 {
			return command{}, errors.New("usage: connect <id|address>")
		}
		return command{kind: commandConnect, target: args[0]}, nil
	case "forget":
		if len(args) != 1 {
			return command{}, errors.New("usage: forget <address>")
		}
		return command{kind: commandForget, target: args[0]}, nil
	case "code":
		if len(args) != 1 {
			return command{}, errors.New("usage: code <1234>")
		}
		return command{kind: commandCode, target: args[0]}, nil
	case "move":
		if len(args) < 1 || len(args) > 2 {
			return command{}, errors.New("usage: move <direction> [ms]")
		}
		dir := protocol.Direction(strings.ToUpper(args[0]))
		if !dir.Valid() {
			return command{}, fmt.Errorf("unknown direction %q", args[0])
		}
		hold := defaultHold
		if len(args) == 2 {
			ms, err := strconv.Atoi(args[1])
			if err != nil || ms <= 0 {
				return command{}, fmt.Errorf("invalid hold %q", args[1])
			}
			hold = time.Duration(ms) * time.Millisecond
		}
		return command{kind: commandMove, direction: dir, hold: hold}, nil
	case "click":
		return command{kind: commandTap, action: protocol.ActionLeftClick}, nil
	case "right":
		return command{kind: commandTap, action: protocol.ActionRightClick}, nil
	case "double":
		return command{kind: commandTap, action: protocol.ActionDoubleClick}, nil
	case "drag":
		return command{kind: commandTap, action: protocol.ActionDrag}, nil
	case "center":
		return command{kind: commandCenter}, nil
	case "sens", "sensitivity":
		return command{kind: commandSensitivity}, nil
	case "status":
		return command{kind: commandStatus}, nil
	case "exit":
		return command{kind: commandExit}, nil
	case "quit", "q":
		return command{kind: commandQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q (type 'help')", name)
	}
}

func runCommand(ctx context.Context, ctrl *app.Controller, cmd command) string {
	shaper := ctrl.Shaper()
	switch cmd.kind {
	case commandHelp:
		return helpText
	case commandList:
		devices := ctrl.Devices()
		if len(devices) == 0 {
			return "no devices found yet"
		}
		var b strings.Builder
		for _, device := range devices {
			fmt.Fprintf(&b, "%-24s %s\n", device.ID, device.DisplayName())
		}
		return strings.TrimRight(b.String(), "\n")
	case commandConnect:
		return errorText(ctrl.Connect(session.Target{ID: cmd.target}))
	case commandForget:
		if err := ctrl.Forget(cmd.target); err != nil {
			return err.Error()
		}
		return "forgot " + cmd.target
	case commandCode:
		return errorText(ctrl.Connect(session.Target{ID: cmd.target, Code: true}))
	case commandMove:
		if err := shaper.Press(cmd.direction); err != nil {
			return err.Error()
		}
		select {
		case <-time.After(cmd.hold):
		case <-ctx.Done():
		}
		shaper.Release()
	case commandTap:
		return errorText(shaper.Tap(cmd.action))
	case commandCenter:
		shaper.TapCenter()
	case commandSensitivity:
		return "sensitivity: " + string(shaper.ToggleSensitivity())
	case commandStatus:
		info := ctrl.Session().Info()
		if info.Peer == "" {
			return string(info.State)
		}
		return fmt.Sprintf("%s %s via %s", info.State, info.Peer, info.Transport)
	case commandExit:
		ctrl.Exit()
	}
	return ""
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
