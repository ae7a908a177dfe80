// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

// Package mgmt implements the KNX management client: application layer
// services over the transport layer, the management procedures composed
// from them, and the property access facade.
package mgmt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/marrasen/go-knxmgmt/apdu"
	"github.com/marrasen/go-knxmgmt/klog"
	"github.com/marrasen/go-knxmgmt/knx"
	"github.com/marrasen/go-knxmgmt/transport"
)

// Response is one matched application layer response.
type Response struct {
	// Src is the responding device.
	Src knx.IndividualAddr
	// TSDU is the full data unit including the two APCI octets.
	TSDU []byte
}

// ASDU returns the service payload of the response.
func (sf Response) ASDU() []byte { return apdu.Data(sf.TSDU) }

type matched struct {
	resp Response
	err  error
}

// waiter is one in-flight request registered with the response
// dispatcher, keyed by expected service code and sender.
type waiter struct {
	svc     uint16
	from    knx.IndividualAddr
	anyFrom bool
	bounds  apdu.Bounds
	// extra narrows matching beyond service, sender and length.
	extra func(tsdu []byte) bool
	ch    chan matched
}

// ManagementClient implements the application layer management services.
// Request/response cycles are serialized per client; concurrent callers
// queue.
type ManagementClient struct {
	tl   *transport.TransportLayer
	conf Config

	// mu serializes request/response cycles
	mu sync.Mutex

	// wmu guards the tables of in-flight waiters
	wmu         sync.Mutex
	waiters     map[uint16][]*waiter
	discWaiters map[knx.IndividualAddr]chan knx.Initiator

	detached uint32

	klog.Klog
}

var _ transport.TransportListener = (*ManagementClient)(nil)

// New creates a management client on top of tl and registers it as
// transport listener.
func New(tl *transport.TransportLayer, opt *Option) *ManagementClient {
	if opt == nil {
		opt = NewOption()
	}
	sf := &ManagementClient{
		tl:          tl,
		conf:        opt.config,
		waiters:     make(map[uint16][]*waiter),
		discWaiters: make(map[knx.IndividualAddr]chan knx.Initiator),
		Klog:        klog.NewLogger("mgmt => "),
	}
	tl.AddListener(sf)
	return sf
}

// Transport returns the underlying transport layer.
func (sf *ManagementClient) Transport() *transport.TransportLayer { return sf.tl }

// Config returns the active configuration.
func (sf *ManagementClient) Config() Config { return sf.conf }

// Medium returns the medium info of the attached link.
func (sf *ManagementClient) Medium() knx.MediumInfo { return sf.tl.Link().Medium() }

// Detach unregisters from the transport layer and detaches it. The link
// is returned open; the client holds only a weak reference and never
// closes it. Detach is one-shot.
func (sf *ManagementClient) Detach() knx.Link {
	if !atomic.CompareAndSwapUint32(&sf.detached, 0, 1) {
		return sf.tl.Link()
	}
	sf.tl.RemoveListener(sf)
	return sf.tl.Detach()
}

func (sf *ManagementClient) isDetached() bool {
	return atomic.LoadUint32(&sf.detached) == 1
}

// Destination returns the connection-oriented destination for addr,
// creating it if the transport layer has none yet.
func (sf *ManagementClient) Destination(addr knx.IndividualAddr) (*transport.Destination, error) {
	return sf.DestinationWith(addr, false, false)
}

// DestinationWith returns or creates the connection-oriented destination
// for addr with the given policy flags.
func (sf *ManagementClient) DestinationWith(addr knx.IndividualAddr, keepAlive, verifyMode bool) (*transport.Destination, error) {
	if sf.isDetached() {
		return nil, knx.ErrIllegalState
	}
	if d, ok := sf.tl.Destination(addr); ok {
		return d, nil
	}
	return sf.tl.CreateDestinationWith(addr, true, keepAlive, verifyMode)
}

// transport listener callbacks; inbound frames feed the waiter tables

// Broadcast implements transport.TransportListener.
func (sf *ManagementClient) Broadcast(e knx.FrameEvent) { sf.matchWaiters(e) }

// Group implements transport.TransportListener; group traffic is not a
// management concern.
func (sf *ManagementClient) Group(knx.FrameEvent) {}

// DataIndividual implements transport.TransportListener.
func (sf *ManagementClient) DataIndividual(e knx.FrameEvent) { sf.matchWaiters(e) }

// DataConnected implements transport.TransportListener.
func (sf *ManagementClient) DataConnected(e knx.FrameEvent, _ *transport.Destination) {
	sf.matchWaiters(e)
}

// Disconnected implements transport.TransportListener.
func (sf *ManagementClient) Disconnected(d *transport.Destination) {
	sf.wmu.Lock()
	ch, ok := sf.discWaiters[d.Addr()]
	if ok {
		delete(sf.discWaiters, d.Addr())
	}
	sf.wmu.Unlock()
	if ok {
		select {
		case ch <- d.DisconnectedBy():
		default:
		}
	}
}

// Detached implements transport.TransportListener.
func (sf *ManagementClient) Detached() { atomic.StoreUint32(&sf.detached, 1) }

// LinkClosed implements transport.TransportListener.
func (sf *ManagementClient) LinkClosed() {}

// matchWaiters filters one inbound frame against the in-flight requests:
// the service code must match, the sender must match for point-to-point
// waiters, and the payload length must lie in the declared range. A
// matching frame with an out-of-range length fails the request with a
// protocol violation.
func (sf *ManagementClient) matchWaiters(e knx.FrameEvent) {
	tsdu := e.Payload()
	svc := apdu.Service(tsdu)
	if svc == 0 && len(tsdu) < 2 {
		return
	}
	sf.wmu.Lock()
	ws := append([]*waiter(nil), sf.waiters[svc]...)
	sf.wmu.Unlock()
	for _, w := range ws {
		if !w.anyFrom && w.from != e.Src() {
			continue
		}
		n := len(apdu.Data(tsdu))
		if n >= w.bounds.Min && n <= w.bounds.Max && w.extra != nil && !w.extra(tsdu) {
			continue
		}
		if n < w.bounds.Min || n > w.bounds.Max {
			sf.Warn("%s from %v: payload length %d outside [%d, %d]",
				apdu.ServiceName(svc), e.Src(), n, w.bounds.Min, w.bounds.Max)
			select {
			case w.ch <- matched{err: errors.Wrapf(knx.ErrInvalidResponse,
				"%s length %d not in [%d, %d]", apdu.ServiceName(svc), n, w.bounds.Min, w.bounds.Max)}:
			default:
			}
			continue
		}
		select {
		case w.ch <- matched{resp: Response{Src: e.Src(), TSDU: tsdu}}:
		default:
			sf.Warn("response queue full for service 0x%03x", svc)
		}
	}
}

func (sf *ManagementClient) addWaiter(svc uint16, from knx.IndividualAddr, anyFrom bool, extra func([]byte) bool, backlog int) *waiter {
	w := &waiter{
		svc:     svc,
		from:    from,
		anyFrom: anyFrom,
		bounds:  apdu.ResponseBounds(svc),
		extra:   extra,
		ch:      make(chan matched, backlog),
	}
	sf.wmu.Lock()
	sf.waiters[svc] = append(sf.waiters[svc], w)
	sf.wmu.Unlock()
	return w
}

func (sf *ManagementClient) removeWaiter(w *waiter) {
	sf.wmu.Lock()
	defer sf.wmu.Unlock()
	ws := sf.waiters[w.svc]
	for i, have := range ws {
		if have == w {
			sf.waiters[w.svc] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// awaitDisconnect registers for the next disconnect indication of addr.
// The caller must register before triggering the disconnect.
func (sf *ManagementClient) awaitDisconnect(addr knx.IndividualAddr) chan knx.Initiator {
	ch := make(chan knx.Initiator, 1)
	sf.wmu.Lock()
	sf.discWaiters[addr] = ch
	sf.wmu.Unlock()
	return ch
}

func (sf *ManagementClient) dropDisconnectWaiter(addr knx.IndividualAddr) {
	sf.wmu.Lock()
	delete(sf.discWaiters, addr)
	sf.wmu.Unlock()
}

// sendCO transmits a request over the open connection of d, connecting
// first if necessary.
func (sf *ManagementClient) sendCO(ctx context.Context, d *transport.Destination, tsdu []byte) error {
	if err := sf.tl.Connect(ctx, d); err != nil {
		return err
	}
	return sf.tl.SendData(ctx, d, knx.PrioSystem, tsdu)
}

// send transmits a request point-to-point, connection-oriented or
// connectionless depending on the mode of d.
func (sf *ManagementClient) send(ctx context.Context, d *transport.Destination, tsdu []byte) error {
	if d.IsConnOriented() {
		return sf.sendCO(ctx, d, tsdu)
	}
	return sf.tl.SendCLData(ctx, d.Addr(), knx.PrioSystem, tsdu)
}

// requestOne runs one request/response cycle expecting a single matching
// response from d.
func (sf *ManagementClient) requestOne(ctx context.Context, d *transport.Destination, req []byte, respSvc uint16, extra func([]byte) bool) (Response, error) {
	if sf.isDetached() {
		return Response{}, knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	w := sf.addWaiter(respSvc, d.Addr(), false, extra, 1)
	defer sf.removeWaiter(w)

	ctx, cancel := context.WithTimeout(ctx, sf.conf.ResponseTimeout)
	defer cancel()

	if err := sf.send(ctx, d, req); err != nil {
		return Response{}, err
	}
	select {
	case m := <-w.ch:
		return m.resp, m.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, errors.Wrapf(knx.ErrTimeout, "service 0x%03x from %v", respSvc, d.Addr())
		}
		return Response{}, ctx.Err()
	}
}

// requestCollectCO transmits a request over the connection of d and
// collects matching responses from any sender until the window closes.
// Devices sharing a default address all answer the same request, so the
// sender is not filtered here.
func (sf *ManagementClient) requestCollectCO(ctx context.Context, d *transport.Destination, req []byte, respSvc uint16, extra func([]byte) bool, window time.Duration) ([]Response, error) {
	if sf.isDetached() {
		return nil, knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	w := sf.addWaiter(respSvc, 0, true, extra, 64)
	defer sf.removeWaiter(w)

	sendCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	if err := sf.send(sendCtx, d, req); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	var got []Response
	for {
		select {
		case m := <-w.ch:
			if m.err != nil {
				sf.Warn("dropping violating response, %v", m.err)
				continue
			}
			got = append(got, m.resp)
		case <-deadline.C:
			return got, nil
		case <-ctx.Done():
			// a caller deadline closes the collection window early
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return got, nil
			}
			return got, ctx.Err()
		}
	}
}

// requestBroadcast transmits a broadcast request and collects matching
// responses until the response window closes. With oneOnly set it
// returns on the first match. An empty collection is not an error unless
// oneOnly is set, which turns it into a timeout.
func (sf *ManagementClient) requestBroadcast(ctx context.Context, system bool, req []byte, respSvc uint16, extra func([]byte) bool, oneOnly bool) ([]Response, error) {
	if sf.isDetached() {
		return nil, knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	w := sf.addWaiter(respSvc, 0, true, extra, 64)
	defer sf.removeWaiter(w)

	sendCtx, cancel := context.WithTimeout(ctx, sf.conf.ResponseTimeout)
	defer cancel()
	if err := sf.tl.Broadcast(sendCtx, system, knx.PrioSystem, req); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(sf.conf.ResponseTimeout)
	defer deadline.Stop()

	var got []Response
	for {
		select {
		case m := <-w.ch:
			if m.err != nil {
				sf.Warn("dropping violating broadcast response, %v", m.err)
				continue
			}
			got = append(got, m.resp)
			if oneOnly {
				return got, nil
			}
		case <-deadline.C:
			if oneOnly && len(got) == 0 {
				return nil, errors.Wrapf(knx.ErrTimeout, "service 0x%03x", respSvc)
			}
			return got, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if oneOnly && len(got) == 0 {
					return nil, errors.Wrapf(knx.ErrTimeout, "service 0x%03x", respSvc)
				}
				return got, nil
			}
			return got, ctx.Err()
		}
	}
}
