// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/marrasen/go-knxmgmt/knx"
)

// State is the connection state of a destination.
type State uint8

const (
	Disconnected State = iota
	Connecting
	OpenIdle
	OpenWait
	Destroyed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case OpenIdle:
		return "open idle"
	case OpenWait:
		return "open wait"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// ackInd is posted by the frame dispatcher to the in-flight send.
type ackInd struct {
	seq  uint8
	nack bool
}

// Destination is the per-peer transport record, owned by the transport
// layer that created it. At most one destination exists per remote
// address and transport layer.
type Destination struct {
	tl           *TransportLayer
	addr         knx.IndividualAddr
	connOriented bool
	keepAlive    bool
	verifyMode   bool

	mu             sync.Mutex
	state          State
	seqSend        uint8
	seqRcv         uint8
	disconnectedBy knx.Initiator
	idleTimer      *time.Timer
	timerGen       uint64
	ack            chan ackInd
	done           chan struct{}
}

func newDestination(tl *TransportLayer, addr knx.IndividualAddr, connOriented, keepAlive, verifyMode bool) *Destination {
	d := &Destination{
		tl:           tl,
		addr:         addr,
		connOriented: connOriented,
		keepAlive:    keepAlive,
		verifyMode:   verifyMode,
		ack:          make(chan ackInd, 1),
		done:         make(chan struct{}),
	}
	close(d.done)
	return d
}

// Addr returns the remote individual address.
func (sf *Destination) Addr() knx.IndividualAddr { return sf.addr }

// IsConnOriented reports connection-oriented mode.
func (sf *Destination) IsConnOriented() bool { return sf.connOriented }

// KeepAlive reports whether idle disconnect is suppressed.
func (sf *Destination) KeepAlive() bool { return sf.keepAlive }

// VerifyMode reports whether memory writes to this destination are read
// back for comparison.
func (sf *Destination) VerifyMode() bool { return sf.verifyMode }

// State returns the current connection state.
func (sf *Destination) State() State {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state
}

// DisconnectedBy tells which side terminated the last connection.
func (sf *Destination) DisconnectedBy() knx.Initiator {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.disconnectedBy
}

// Destroy releases the destination. A destroyed destination never
// re-enters any other state; destroying twice is a no-op.
func (sf *Destination) Destroy() {
	sf.tl.destroyDestination(sf)
}

func (sf *Destination) String() string {
	mode := "connectionless"
	if sf.connOriented {
		mode = "connection-oriented"
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return fmt.Sprintf("%v %s %v", sf.addr, mode, sf.state)
}

// startIdleTimerLocked arms the idle disconnect. Caller holds sf.mu.
// The timer runs only for connection-oriented destinations without
// keep-alive, in the open states.
func (sf *Destination) startIdleTimerLocked() {
	if !sf.connOriented || sf.keepAlive {
		return
	}
	if sf.state != OpenIdle && sf.state != OpenWait {
		return
	}
	sf.timerGen++
	gen := sf.timerGen
	if sf.idleTimer != nil {
		sf.idleTimer.Stop()
	}
	tl := sf.tl
	sf.idleTimer = time.AfterFunc(tl.conf.DisconnectTimeout, func() {
		tl.idleFire(sf, gen)
	})
}

// stopIdleTimerLocked cancels the idle disconnect. Caller holds sf.mu.
func (sf *Destination) stopIdleTimerLocked() {
	sf.timerGen++
	if sf.idleTimer != nil {
		sf.idleTimer.Stop()
		sf.idleTimer = nil
	}
}

// resetLocked moves the destination to Disconnected, resetting both
// sequence counters. Caller holds sf.mu.
func (sf *Destination) resetLocked(by knx.Initiator) {
	sf.stopIdleTimerLocked()
	sf.state = Disconnected
	sf.seqSend, sf.seqRcv = 0, 0
	sf.disconnectedBy = by
	select {
	case <-sf.done:
	default:
		close(sf.done)
	}
}
