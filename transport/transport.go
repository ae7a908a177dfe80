// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marrasen/go-knxmgmt/klog"
	"github.com/marrasen/go-knxmgmt/knx"
)

// TransportListener receives transport layer events. Listeners are
// notified sequentially in arrival order; a panicking listener is removed
// and a warning logged.
type TransportListener interface {
	// Broadcast delivers a frame addressed to the broadcast destination.
	Broadcast(e knx.FrameEvent)
	// Group delivers a group-addressed frame.
	Group(e knx.FrameEvent)
	// DataIndividual delivers connectionless point-to-point data.
	DataIndividual(e knx.FrameEvent)
	// DataConnected delivers in-sequence connection-oriented data.
	DataConnected(e knx.FrameEvent, d *Destination)
	// Disconnected signals a terminated connection; the initiator is
	// available via d.DisconnectedBy.
	Disconnected(d *Destination)
	// Detached signals that the transport layer released its link.
	Detached()
	// LinkClosed signals that the underlying link was closed.
	LinkClosed()
}

const indicationBacklog = 64

// TransportLayer multiplexes destinations over one network link and
// implements the layer 4 state machine.
type TransportLayer struct {
	link knx.Link
	conf Config

	mu      sync.Mutex
	proxies map[knx.IndividualAddr]*Destination

	// sendMu serializes connection-oriented sends; one TSDU is in flight
	// per transport layer.
	sendMu sync.Mutex

	lmu       sync.Mutex
	listeners []TransportListener

	ind      chan knx.FrameEvent
	quit     chan struct{}
	detached uint32

	klog.Klog
}

// linkHook adapts the transport layer as link listener without exporting
// the callbacks on TransportLayer itself.
type linkHook struct {
	tl *TransportLayer
}

func (sf linkHook) Indication(e knx.FrameEvent) {
	select {
	case sf.tl.ind <- e:
	default:
		sf.tl.Warn("indication backlog full, dropping frame from %v", e.Src())
	}
}

func (sf linkHook) LinkClosed(reason string) {
	sf.tl.Info("link closed, %s", reason)
	sf.tl.fire(func(l TransportListener) { l.LinkClosed() })
}

// New creates a transport layer bound to one link and starts its frame
// dispatcher.
func New(link knx.Link, opt *Option) *TransportLayer {
	if opt == nil {
		opt = NewOption()
	}
	sf := &TransportLayer{
		link:    link,
		conf:    opt.config,
		proxies: make(map[knx.IndividualAddr]*Destination),
		ind:     make(chan knx.FrameEvent, indicationBacklog),
		quit:    make(chan struct{}),
		Klog:    klog.NewLogger("transport => "),
	}
	link.AddListener(linkHook{sf})
	go sf.dispatcher()
	return sf
}

// Link returns the attached link.
func (sf *TransportLayer) Link() knx.Link { return sf.link }

// Config returns the active configuration.
func (sf *TransportLayer) Config() Config { return sf.conf }

// AddListener registers a transport event listener.
func (sf *TransportLayer) AddListener(l TransportListener) {
	if l == nil {
		return
	}
	sf.lmu.Lock()
	defer sf.lmu.Unlock()
	for _, have := range sf.listeners {
		if have == l {
			return
		}
	}
	sf.listeners = append(sf.listeners, l)
}

// RemoveListener removes a previously registered listener.
func (sf *TransportLayer) RemoveListener(l TransportListener) {
	sf.lmu.Lock()
	defer sf.lmu.Unlock()
	for i, have := range sf.listeners {
		if have == l {
			sf.listeners = append(sf.listeners[:i], sf.listeners[i+1:]...)
			return
		}
	}
}

func (sf *TransportLayer) fire(f func(TransportListener)) {
	sf.lmu.Lock()
	snapshot := append([]TransportListener(nil), sf.listeners...)
	sf.lmu.Unlock()
	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					sf.RemoveListener(l)
					sf.Warn("removed listener after panic: %v", r)
				}
			}()
			f(l)
		}()
	}
}

// CreateDestination creates the per-peer record for addr. Creating a
// second destination for the same address fails.
func (sf *TransportLayer) CreateDestination(addr knx.IndividualAddr, connOriented bool) (*Destination, error) {
	return sf.CreateDestinationWith(addr, connOriented, false, false)
}

// CreateDestinationWith creates a destination with keep-alive and verify
// policy flags.
func (sf *TransportLayer) CreateDestinationWith(addr knx.IndividualAddr, connOriented, keepAlive, verifyMode bool) (*Destination, error) {
	if sf.isDetached() {
		return nil, knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, ok := sf.proxies[addr]; ok {
		return nil, knx.ErrIllegalState
	}
	d := newDestination(sf, addr, connOriented, keepAlive, verifyMode)
	sf.proxies[addr] = d
	sf.Debug("created destination %v", d)
	return d, nil
}

// Destination looks up the record for addr.
func (sf *TransportLayer) Destination(addr knx.IndividualAddr) (*Destination, bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	d, ok := sf.proxies[addr]
	return d, ok
}

func (sf *TransportLayer) proxy(addr knx.IndividualAddr) *Destination {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.proxies[addr]
}

func (sf *TransportLayer) destroyDestination(d *Destination) {
	sf.mu.Lock()
	if sf.proxies[d.addr] == d {
		delete(sf.proxies, d.addr)
	}
	sf.mu.Unlock()

	d.mu.Lock()
	if d.state == Destroyed {
		d.mu.Unlock()
		return
	}
	wasConnected := d.state == Connecting || d.state == OpenIdle || d.state == OpenWait
	if wasConnected {
		_ = sf.link.SendRequest(d.addr, false, knx.PrioSystem, []byte{ctlDisconnect})
	}
	d.stopIdleTimerLocked()
	d.state = Destroyed
	d.disconnectedBy = knx.InitiatorLocal
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	d.mu.Unlock()
	sf.Debug("destroyed destination %v", d.addr)
	if wasConnected {
		sf.fire(func(l TransportListener) { l.Disconnected(d) })
	}
}

// Connect opens the transport connection to d. It is a no-op for a
// connectionless destination or one already connected. The call blocks
// until the link confirms the connect TPDU.
func (sf *TransportLayer) Connect(ctx context.Context, d *Destination) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	if !d.connOriented {
		return nil
	}
	d.mu.Lock()
	switch d.state {
	case Destroyed:
		d.mu.Unlock()
		return knx.ErrIllegalState
	case Connecting, OpenIdle, OpenWait:
		d.mu.Unlock()
		return nil
	}
	d.state = Connecting
	d.seqSend, d.seqRcv = 0, 0
	d.disconnectedBy = knx.InitiatorUnset
	d.done = make(chan struct{})
	d.mu.Unlock()

	sf.Debug("connecting %v", d.addr)
	err := sf.link.SendRequestWait(ctx, d.addr, false, knx.PrioSystem, []byte{ctlConnect})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Connecting {
		// destroyed or disconnected while waiting for the send confirm
		return &knx.DisconnectError{Initiator: d.disconnectedBy, Addr: d.addr}
	}
	if err != nil {
		d.resetLocked(knx.InitiatorUnset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	d.state = OpenIdle
	d.startIdleTimerLocked()
	return nil
}

// Disconnect closes the transport connection to d, sending a disconnect
// TPDU if one is open.
func (sf *TransportLayer) Disconnect(d *Destination) error {
	if d.State() == Destroyed {
		return knx.ErrIllegalState
	}
	sf.disconnectIndicate(d, knx.InitiatorLocal, true)
	return nil
}

// disconnectIndicate transitions d to Disconnected, optionally sending a
// disconnect TPDU first, and notifies listeners. Already disconnected or
// destroyed destinations are left alone.
func (sf *TransportLayer) disconnectIndicate(d *Destination, by knx.Initiator, sendDisc bool) {
	d.mu.Lock()
	if d.state == Disconnected || d.state == Destroyed {
		d.mu.Unlock()
		return
	}
	if sendDisc {
		_ = sf.link.SendRequest(d.addr, false, knx.PrioSystem, []byte{ctlDisconnect})
	}
	d.resetLocked(by)
	d.mu.Unlock()
	sf.Debug("disconnected %v (%v)", d.addr, by)
	sf.fire(func(l TransportListener) { l.Disconnected(d) })
}

func (sf *TransportLayer) idleFire(d *Destination, gen uint64) {
	d.mu.Lock()
	stale := gen != d.timerGen || (d.state != OpenIdle && d.state != OpenWait)
	d.mu.Unlock()
	if stale {
		return
	}
	sf.Debug("idle timeout on %v", d.addr)
	sf.disconnectIndicate(d, knx.InitiatorLocal, true)
}

// SendData transmits one TSDU over the connection of d and blocks until
// the matching acknowledgement arrives, the retransmission budget is
// exhausted, the destination is disconnected or destroyed, or ctx is done.
// Only one connection-oriented send is in flight per transport layer.
func (sf *TransportLayer) SendData(ctx context.Context, d *Destination, p knx.Priority, tsdu []byte) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	if !d.connOriented || len(tsdu) == 0 {
		return knx.ErrIllegalArg
	}
	sf.sendMu.Lock()
	defer sf.sendMu.Unlock()

	d.mu.Lock()
	if d.state == Destroyed {
		d.mu.Unlock()
		return knx.ErrIllegalState
	}
	if d.state != OpenIdle {
		by := d.disconnectedBy
		d.mu.Unlock()
		return &knx.DisconnectError{Initiator: by, Addr: d.addr}
	}
	seq := d.seqSend
	// drain a stale acknowledgement of an aborted earlier send
	select {
	case <-d.ack:
	default:
	}
	d.state = OpenWait
	ackCh, done := d.ack, d.done
	d.mu.Unlock()

	tpdu := make([]byte, len(tsdu))
	copy(tpdu, tsdu)
	tpdu[0] = tpdu[0]&0x03 | dataConnected | seq<<2

	disconnect := func() error {
		sf.disconnectIndicate(d, knx.InitiatorLocal, true)
		return &knx.DisconnectError{Initiator: knx.InitiatorLocal, Addr: d.addr}
	}

	for attempt := 0; attempt < sf.conf.MaxSendAttempts; attempt++ {
		if attempt > 0 {
			sf.Debug("repeating %v seq %d, attempt %d", d.addr, seq, attempt+1)
		}
		if err := sf.link.SendRequestWait(ctx, d.addr, false, p, tpdu); err != nil {
			sf.restoreAfterSend(d)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		timer := sf.newAckTimer()
		select {
		case a := <-ackCh:
			timer.Stop()
			switch {
			case !a.nack && a.seq == seq:
				d.mu.Lock()
				if d.state == OpenWait {
					d.seqSend = seqNext(seq)
					d.state = OpenIdle
					d.startIdleTimerLocked()
				}
				d.mu.Unlock()
				return nil
			case a.nack && a.seq == seq:
				// repeated by the outer loop
			default:
				// acknowledgement for a sequence never sent
				return disconnect()
			}
		case <-timer.C:
			// next attempt
		case <-done:
			timer.Stop()
			d.mu.Lock()
			by := d.disconnectedBy
			d.mu.Unlock()
			return &knx.DisconnectError{Initiator: by, Addr: d.addr}
		case <-ctx.Done():
			timer.Stop()
			sf.restoreAfterSend(d)
			return ctx.Err()
		}
	}
	sf.Warn("no acknowledgement from %v for seq %d", d.addr, seq)
	return disconnect()
}

func (sf *TransportLayer) newAckTimer() *time.Timer {
	return time.NewTimer(sf.conf.AckTimeout)
}

// restoreAfterSend reverts an aborted send to the idle open state.
func (sf *TransportLayer) restoreAfterSend(d *Destination) {
	d.mu.Lock()
	if d.state == OpenWait {
		d.state = OpenIdle
		d.startIdleTimerLocked()
	}
	d.mu.Unlock()
}

// SendCLData transmits connectionless point-to-point data.
func (sf *TransportLayer) SendCLData(ctx context.Context, addr knx.IndividualAddr, p knx.Priority, tsdu []byte) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	if len(tsdu) == 0 {
		return knx.ErrIllegalArg
	}
	tpdu := make([]byte, len(tsdu))
	copy(tpdu, tsdu)
	tpdu[0] &= 0x03
	return sf.link.SendRequestWait(ctx, addr, false, p, tpdu)
}

// Broadcast transmits tsdu to the broadcast destination, as system
// broadcast when system is set.
func (sf *TransportLayer) Broadcast(ctx context.Context, system bool, p knx.Priority, tsdu []byte) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	if len(tsdu) == 0 {
		return knx.ErrIllegalArg
	}
	tpdu := make([]byte, len(tsdu))
	copy(tpdu, tsdu)
	tpdu[0] &= 0x03
	return sf.link.SendRequestWait(ctx, knx.GroupBroadcast, system, p, tpdu)
}

// Detach releases the link and destroys all destinations. Detach is
// one-shot; the transport layer is unusable afterwards. The link is
// returned open, it is not closed.
func (sf *TransportLayer) Detach() knx.Link {
	if !atomic.CompareAndSwapUint32(&sf.detached, 0, 1) {
		return sf.link
	}
	sf.link.RemoveListener(linkHook{sf})
	close(sf.quit)

	sf.mu.Lock()
	all := make([]*Destination, 0, len(sf.proxies))
	for _, d := range sf.proxies {
		all = append(all, d)
	}
	sf.mu.Unlock()
	for _, d := range all {
		sf.destroyDestination(d)
	}
	sf.Debug("detached")
	sf.fire(func(l TransportListener) { l.Detached() })
	return sf.link
}

func (sf *TransportLayer) isDetached() bool {
	return atomic.LoadUint32(&sf.detached) == 1
}

// dispatcher drains the indication backlog in arrival order. It never
// holds the send mutex while delivering to listeners.
func (sf *TransportLayer) dispatcher() {
	for {
		select {
		case <-sf.quit:
			return
		case e := <-sf.ind:
			sf.handleFrame(e)
		}
	}
}

func (sf *TransportLayer) handleFrame(e knx.FrameEvent) {
	if e.IsGroup() {
		if e.IsBroadcast() {
			sf.fire(func(l TransportListener) { l.Broadcast(e) })
		} else {
			sf.fire(func(l TransportListener) { l.Group(e) })
		}
		return
	}
	tpci := e.TPCI()
	switch {
	case tpci&0xc0 == 0x00:
		sf.fire(func(l TransportListener) { l.DataIndividual(e) })
	case tpci&0xc0 == dataConnected:
		sf.handleConnectedData(e)
	case tpci&0xc3 == ctlConnect:
		sf.handleConnect(e)
	case tpci&0xc3 == ctlDisconnect:
		if d := sf.proxy(e.Src()); d != nil {
			sf.disconnectIndicate(d, knx.InitiatorRemote, false)
		}
	case tpci&0xc3 == ctlAck:
		sf.handleAck(e, seqOf(tpci), false)
	case tpci&0xc3 == ctlNack:
		sf.handleAck(e, seqOf(tpci), true)
	default:
		sf.Warn("ignoring TPDU [0x%02x] from %v", tpci, e.Src())
	}
}

// handleConnectedData runs the receive side of the numbered-data state
// machine: in-sequence data is acknowledged and delivered, the repeat of
// the previous sequence is acknowledged without delivery, anything else
// is rejected with a negative acknowledgement.
func (sf *TransportLayer) handleConnectedData(e knx.FrameEvent) {
	d := sf.proxy(e.Src())
	if d == nil || !d.connOriented {
		// sender assumes an open connection we do not have
		_ = sf.link.SendRequest(e.Src(), false, knx.PrioSystem, []byte{ctlDisconnect})
		return
	}
	seq := seqOf(e.TPCI())
	d.mu.Lock()
	if d.state != OpenIdle && d.state != OpenWait {
		d.mu.Unlock()
		_ = sf.link.SendRequest(e.Src(), false, knx.PrioSystem, []byte{ctlDisconnect})
		return
	}
	switch seq {
	case d.seqRcv:
		_ = sf.link.SendRequest(d.addr, false, knx.PrioSystem, ackTPDU(seq))
		d.seqRcv = seqNext(d.seqRcv)
		d.startIdleTimerLocked()
		d.mu.Unlock()
		sf.fire(func(l TransportListener) { l.DataConnected(e, d) })
	case seqPrev(d.seqRcv):
		// repetition of delivered data: acknowledge, do not re-deliver
		_ = sf.link.SendRequest(d.addr, false, knx.PrioSystem, ackTPDU(seq))
		d.startIdleTimerLocked()
		d.mu.Unlock()
	default:
		_ = sf.link.SendRequest(d.addr, false, knx.PrioSystem, nackTPDU(seq))
		d.mu.Unlock()
	}
}

func (sf *TransportLayer) handleAck(e knx.FrameEvent, seq uint8, nack bool) {
	d := sf.proxy(e.Src())
	if d == nil {
		_ = sf.link.SendRequest(e.Src(), false, knx.PrioSystem, []byte{ctlDisconnect})
		return
	}
	d.mu.Lock()
	if d.state != OpenWait {
		d.mu.Unlock()
		return
	}
	d.startIdleTimerLocked()
	select {
	case d.ack <- ackInd{seq: seq, nack: nack}:
	default:
	}
	d.mu.Unlock()
}

// handleConnect reacts to an unsolicited inbound connect request. Acting
// as server it accepts by creating or reopening a destination; acting as
// client it answers with a disconnect.
func (sf *TransportLayer) handleConnect(e knx.FrameEvent) {
	if !sf.conf.ServerSide {
		_ = sf.link.SendRequest(e.Src(), false, knx.PrioSystem, []byte{ctlDisconnect})
		return
	}
	d := sf.proxy(e.Src())
	if d != nil && !d.connOriented {
		// a connectionless record exists: replace it
		sf.destroyDestination(d)
		d = nil
	}
	if d == nil {
		var err error
		d, err = sf.CreateDestination(e.Src(), true)
		if err != nil {
			return
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Disconnected {
		return
	}
	d.seqSend, d.seqRcv = 0, 0
	d.disconnectedBy = knx.InitiatorUnset
	d.done = make(chan struct{})
	d.state = OpenIdle
	d.startIdleTimerLocked()
	sf.Debug("accepted connect from %v", d.addr)
}
