// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/marrasen/go-knxmgmt/knx"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{OpenIdle, "open idle"},
		{OpenWait, "open wait"},
		{Destroyed, "destroyed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestConnectionlessDestination(t *testing.T) {
	tl, _, _ := newTestTL(t, fastConfig())
	addr, _ := knx.ParseIndividualAddr("2.0.9")
	d, err := tl.CreateDestination(addr, false)
	if err != nil {
		t.Fatal(err)
	}

	// connect is a no-op in connectionless mode
	if err := tl.Connect(context.Background(), d); err != nil {
		t.Fatalf("Connect() on CL destination: %v", err)
	}
	if d.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", d.State())
	}

	// numbered sends require connection-oriented mode
	if err := tl.SendData(context.Background(), d, knx.PrioLow, []byte{0x00, 0x80}); !errors.Is(err, knx.ErrIllegalArg) {
		t.Errorf("SendData() on CL destination = %v, want ErrIllegalArg", err)
	}

	if !strings.Contains(d.String(), "connectionless") {
		t.Errorf("String() = %q", d.String())
	}
}

func TestDestinationAccessors(t *testing.T) {
	tl, _, _ := newTestTL(t, fastConfig())
	addr, _ := knx.ParseIndividualAddr("3.1.20")
	d, err := tl.CreateDestinationWith(addr, true, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if d.Addr() != addr {
		t.Errorf("Addr() = %v", d.Addr())
	}
	if !d.IsConnOriented() || !d.KeepAlive() || !d.VerifyMode() {
		t.Error("policy flags lost")
	}
	if d.DisconnectedBy() != knx.InitiatorUnset {
		t.Errorf("DisconnectedBy() = %v before any disconnect", d.DisconnectedBy())
	}
	if !strings.Contains(d.String(), "connection-oriented") {
		t.Errorf("String() = %q", d.String())
	}
}

func TestDestroyIsIdempotentAndFreesAddress(t *testing.T) {
	tl, _, _ := newTestTL(t, fastConfig())
	addr, _ := knx.ParseIndividualAddr("3.1.20")
	d, err := tl.CreateDestination(addr, true)
	if err != nil {
		t.Fatal(err)
	}
	d.Destroy()
	d.Destroy()
	if d.State() != Destroyed {
		t.Fatalf("state = %v", d.State())
	}

	// the address slot is free for a new record
	d2, err := tl.CreateDestination(addr, true)
	if err != nil {
		t.Fatalf("re-create after destroy: %v", err)
	}
	if d2 == d {
		t.Fatal("destroyed record returned again")
	}
}
