package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"meshroom/native/internal/call"
	sigclient "meshroom/native/internal/signal"
	"meshroom/native/internal/signal/signaltest"
)

func TestRoomIDCommand(t *testing.T) {
	var buf bytes.Buffer
	roomIDCmd.SetOut(&buf)
	defer roomIDCmd.SetOut(nil)

	if err := roomIDCmd.RunE(roomIDCmd, nil); err != nil {
		t.Fatal(err)
	}
	if id := strings.TrimSpace(buf.String()); len(id) != 8 {
		t.Errorf("unexpected room id %q", id)
	}
}

func TestHandleLine(t *testing.T) {
	c := call.New(sigclient.NewClient(signaltest.NewHub(), sigclient.DefaultOptions()), nil)
	var buf bytes.Buffer
	p := &printer{out: &buf}
	ctx := context.Background()

	if handleLine(ctx, c, p, "   ") {
		t.Error("blank line should not leave")
	}
	if handleLine(ctx, c, p, "hello") {
		t.Error("chat should not leave")
	}
	if handleLine(ctx, c, p, "/mute") {
		t.Error("/mute should not leave")
	}
	if !handleLine(ctx, c, p, "/leave") {
		t.Error("/leave should leave")
	}

	out := buf.String()
	if strings.Count(out, "! not in a room") != 2 {
		t.Errorf("unexpected output %q", out)
	}
}
