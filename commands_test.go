package main

import (
	"errors"
	"testing"
	"time"

	"touchmouse/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"list", command{kind: commandList}},
		{"connect DEV-4821", command{kind: commandConnect, target: "DEV-4821"}},
		{"code 4821", command{kind: commandCode, target: "4821"}},
		{"forget 10.0.0.2:8080", command{kind: commandForget, target: "10.0.0.2:8080"}},
		{"move up", command{kind: commandMove, direction: protocol.DirectionUp, hold: defaultHold}},
		{"move down_left 350", command{kind: commandMove, direction: protocol.DirectionDownLeft, hold: 350 * time.Millisecond}},
		{"click", command{kind: commandTap, action: protocol.ActionLeftClick}},
		{"double", command{kind: commandTap, action: protocol.ActionDoubleClick}},
		{"drag", command{kind: commandTap, action: protocol.ActionDrag}},
		{"  EXIT ", command{kind: commandExit}},
		{"q", command{kind: commandQuit}},
	}
	for _, tc := range tests {
		got, err := parseCommand(tc.line)
		if err != nil {
			t.Fatalf("parseCommand(%q) failed: %v", tc.line, err)
		}
		if got != tc.want {
			t.Fatalf("parseCommand(%q) = %#v, want %#v", tc.line, got, tc.want)
		}
	}
}

func TestParseCommandErrors(t *testing.T) {
	if _, err := parseCommand("   "); !errors.Is(err, errEmptyCommand) {
		t.Fatalf("expected errEmptyCommand, got %v", err)
	}
	for _, line := range []string{"connect", "move north", "move up -1", "code", "forget", "fly"} {
		if _, err := parseCommand(line); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--mode", "receiver", "--code", "4821", "-v"})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.mode != "receiver" || opts.code != "4821" || !opts.verbose {
		t.Fatalf("unexpected options %#v", opts)
	}
	if _, err := parseFlags([]string{"stray"}); err == nil {
		t.Fatalf("expected error for positional argument")
	}
}
