// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package mgmt

import (
	"bytes"
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/marrasen/go-knxmgmt/apdu"
	"github.com/marrasen/go-knxmgmt/klog"
	"github.com/marrasen/go-knxmgmt/knx"
	"github.com/marrasen/go-knxmgmt/transport"
)

// procedure timing
const (
	readAddressWindow  = 3 * time.Second
	progModeWindow     = 1 * time.Second
	progModeAttempts   = 20
	scanPace           = 100 * time.Millisecond
	scanSlack          = 500 * time.Millisecond
	scanSerialsWindow  = 7 * time.Second
	defaultDeviceAddr  = knx.IndividualAddr(0xffff)
	progModeMemoryAddr = 0x60
)

// Procedures composes management client primitives into the higher-level
// installation workflows.
type Procedures struct {
	mc *ManagementClient
	tl *transport.TransportLayer
	klog.Klog
}

// NewProcedures creates the procedures front over mc.
func NewProcedures(mc *ManagementClient) *Procedures {
	return &Procedures{
		mc:   mc,
		tl:   mc.Transport(),
		Klog: klog.NewLogger("mgmt.proc => "),
	}
}

// ReadAddress returns the addresses of all devices currently in
// programming mode; the list may be empty.
func (sf *Procedures) ReadAddress(ctx context.Context) ([]knx.IndividualAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, readAddressWindow)
	defer cancel()
	return sf.mc.ReadAddress(ctx, false)
}

// WriteAddress assigns newAddr to the single device in programming mode.
// It fails cleanly when a device already owns newAddr but is not the one
// in programming mode, and verifies the assignment before restarting the
// device.
func (sf *Procedures) WriteAddress(ctx context.Context, newAddr knx.IndividualAddr) error {
	occupied, err := sf.IsAddressOccupied(ctx, newAddr)
	if err != nil {
		return err
	}

	var progDevice knx.IndividualAddr
	found := false
	for attempt := 0; attempt < progModeAttempts && !found; attempt++ {
		winCtx, cancel := context.WithTimeout(ctx, progModeWindow)
		addrs, err := sf.mc.ReadAddress(winCtx, false)
		cancel()
		if err != nil && !errors.Is(err, knx.ErrTimeout) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch uniq := dedupeAddrs(addrs); len(uniq) {
		case 0:
			// nobody in programming mode yet, try again
		case 1:
			progDevice, found = uniq[0], true
		default:
			sf.Warn("%d devices in programming mode, waiting for a single one", len(uniq))
		}
	}
	if !found {
		return errors.Wrap(knx.ErrTimeout, "no single device in programming mode")
	}
	if occupied && progDevice != newAddr {
		return errors.Wrapf(knx.ErrIllegalState,
			"address %v is occupied by a device not in programming mode", newAddr)
	}

	if err := sf.mc.WriteAddress(ctx, newAddr); err != nil {
		return err
	}

	d, err := sf.mc.Destination(newAddr)
	if err != nil {
		return err
	}
	if _, err := sf.mc.ReadDeviceDesc(ctx, d, 0); err != nil {
		return errors.Wrap(err, "address verification failed")
	}
	return sf.mc.Restart(ctx, d)
}

// WriteAddressSN assigns newAddr to the device with the given serial
// number and verifies the assignment by reading the address back.
func (sf *Procedures) WriteAddressSN(ctx context.Context, sn knx.SerialNumber, newAddr knx.IndividualAddr) error {
	if err := sf.mc.WriteAddressSN(ctx, sn, newAddr); err != nil {
		return err
	}
	got, err := sf.mc.ReadAddressSN(ctx, sn)
	if err != nil {
		return errors.Wrapf(err, "no device answers for serial %v", sn)
	}
	if got != newAddr {
		return errors.Wrapf(knx.ErrInvalidResponse,
			"device %v kept its address after write of %v", got, newAddr)
	}
	return nil
}

// ResetAddress sets all devices in programming mode back to the default
// individual address, restarting each round, until no device responds.
func (sf *Procedures) ResetAddress(ctx context.Context) error {
	d, err := sf.tl.CreateDestination(defaultDeviceAddr, false)
	if err != nil {
		if d0, ok := sf.tl.Destination(defaultDeviceAddr); ok {
			d = d0
		} else {
			return err
		}
	} else {
		defer d.Destroy()
	}
	for {
		winCtx, cancel := context.WithTimeout(ctx, readAddressWindow)
		addrs, err := sf.mc.ReadAddress(winCtx, false)
		cancel()
		if err != nil && !errors.Is(err, knx.ErrTimeout) {
			return err
		}
		if len(addrs) == 0 {
			return nil
		}
		if err := sf.mc.WriteAddress(ctx, defaultDeviceAddr); err != nil {
			return err
		}
		if err := sf.mc.Restart(ctx, d); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// IsAddressOccupied probes addr with a device descriptor read. The
// address counts as occupied on a successful response, and also when the
// remote terminates the transport connection, which marks a
// connectionless-only device.
func (sf *Procedures) IsAddressOccupied(ctx context.Context, addr knx.IndividualAddr) (bool, error) {
	d, err := sf.mc.Destination(addr)
	if err != nil {
		return false, err
	}
	_, err = sf.mc.ReadDeviceDesc(ctx, d, 0)
	if err == nil {
		return true, nil
	}
	var de *knx.DisconnectError
	if errors.As(err, &de) && de.Initiator == knx.InitiatorRemote {
		return true, nil
	}
	if errors.Is(err, knx.ErrTimeout) || errors.Is(err, knx.ErrDisconnect) {
		return false, nil
	}
	return false, err
}

// ScanNetworkRouters scans for routers: every area.line.0 candidate is
// probed with a transport connect; present devices terminate the
// connection from their side.
func (sf *Procedures) ScanNetworkRouters(ctx context.Context) ([]knx.IndividualAddr, error) {
	candidates := make([]knx.IndividualAddr, 0, 256)
	for i := 0; i < 256; i++ {
		candidates = append(candidates, knx.IndividualAddr(i<<8))
	}
	return sf.scan(ctx, candidates)
}

// ScanNetworkDevices scans all device addresses of one subnet line.
func (sf *Procedures) ScanNetworkDevices(ctx context.Context, area, line uint8) ([]knx.IndividualAddr, error) {
	if area > 0x0f || line > 0x0f {
		return nil, errors.Wrap(knx.ErrIllegalArg, "area and line must fit 4 bits")
	}
	candidates := make([]knx.IndividualAddr, 0, 256)
	for dev := 0; dev < 256; dev++ {
		a, _ := knx.NewIndividualAddr(area, line, uint8(dev))
		candidates = append(candidates, a)
	}
	return sf.scan(ctx, candidates)
}

// scanListener collects the addresses whose transport connection was
// terminated by the remote endpoint, the standard presence probe.
type scanListener struct {
	mu      sync.Mutex
	present map[knx.IndividualAddr]struct{}
}

func (sl *scanListener) Broadcast(knx.FrameEvent) {}
func (sl *scanListener) Group(knx.FrameEvent) {}
func (sl *scanListener) DataIndividual(knx.FrameEvent) {}
func (sl *scanListener) DataConnected(knx.FrameEvent, *transport.Destination) {}
func (sl *scanListener) Detached() {}
func (sl *scanListener) LinkClosed() {}

func (sl *scanListener) Disconnected(d *transport.Destination) {
	if d.DisconnectedBy() != knx.InitiatorRemote {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.present[d.Addr()] = struct{}{}
}

func (sf *Procedures) scan(ctx context.Context, candidates []knx.IndividualAddr) ([]knx.IndividualAddr, error) {
	sl := &scanListener{present: make(map[knx.IndividualAddr]struct{})}
	sf.tl.AddListener(sl)
	defer sf.tl.RemoveListener(sl)

	created := make([]*transport.Destination, 0, len(candidates))
	defer func() {
		for _, d := range created {
			d.Destroy()
		}
	}()

	pace := time.NewTicker(scanPace)
	defer pace.Stop()
	for _, addr := range candidates {
		d, err := sf.tl.CreateDestination(addr, true)
		if err != nil {
			// leave foreign destinations alone
			sf.Warn("skipping %v, %v", addr, err)
			continue
		}
		created = append(created, d)
		if err := sf.tl.Connect(ctx, d); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-pace.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// give the slowest responder one full disconnect timeout before
	// collecting
	select {
	case <-time.After(sf.tl.Config().DisconnectTimeout + scanSlack):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]knx.IndividualAddr, 0, len(sl.present))
	for _, addr := range candidates {
		if _, ok := sl.present[addr]; ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

// SerialResult pairs a responding device with its serial number.
type SerialResult struct {
	Src    knx.IndividualAddr
	Serial knx.SerialNumber
}

// ScanSerialNumbers reads the serial numbers of all devices listening on
// the medium default address.
func (sf *Procedures) ScanSerialNumbers(ctx context.Context) ([]SerialResult, error) {
	def := sf.mc.Medium().Kind.DefaultAddress()
	d, fresh, err := sf.destinationFor(def)
	if err != nil {
		return nil, err
	}
	if fresh {
		defer d.Destroy()
	}
	req := propertyAPDU(apdu.PropertyRead, 0, apdu.PIDSerialNumber, 1, 1).Bytes()
	rs, err := sf.mc.requestCollectCO(ctx, d, req, apdu.PropertyResponse,
		propertyMatch(0, apdu.PIDSerialNumber, 1), scanSerialsWindow)
	if err != nil {
		return nil, err
	}
	out := make([]SerialResult, 0, len(rs))
	for _, r := range rs {
		data, err := checkPropertyResponse(r.ASDU(), 1)
		if err != nil {
			sf.Warn("dropping serial response from %v, %v", r.Src, err)
			continue
		}
		sn, err := knx.SerialNumberFrom(data)
		if err != nil {
			continue
		}
		out = append(out, SerialResult{Src: r.Src, Serial: sn})
	}
	return out, nil
}

// SetProgrammingMode switches the programming mode of a device, using
// the programming mode property first and the memory-mapped status
// location as fallback.
func (sf *Procedures) SetProgrammingMode(ctx context.Context, addr knx.IndividualAddr, on bool) error {
	d, err := sf.mc.Destination(addr)
	if err != nil {
		return err
	}
	var v byte
	if on {
		v = 1
	}
	err = sf.mc.WriteProperty(ctx, d, 0, apdu.PIDProgMode, 1, 1, []byte{v})
	if err == nil {
		return nil
	}
	sf.Info("programming mode property not writable on %v (%v), falling back to memory", addr, err)

	cur, err := sf.mc.ReadMemory(ctx, d, progModeMemoryAddr, 1)
	if err != nil {
		return err
	}
	b := cur[0] &^ 0x81
	if on {
		b |= 0x01
	}
	// bit 7 keeps the byte at even parity over bits 0..6
	if bits.OnesCount8(b)%2 != 0 {
		b |= 0x80
	}
	return sf.mc.WriteMemory(ctx, d, progModeMemoryAddr, []byte{b})
}

// WriteMemory writes data to device memory in chunks sized to the
// remote's maximum APDU length. verifyWrite reads every chunk back for
// comparison; verifyByServer enables the device-control echo so the
// server returns the written bytes. The two options are mutually
// exclusive.
func (sf *Procedures) WriteMemory(ctx context.Context, addr knx.IndividualAddr, start uint16, data []byte, verifyWrite, verifyByServer bool) error {
	if verifyWrite && verifyByServer {
		return errors.Wrap(knx.ErrIllegalArg, "verifyWrite and verifyByServer are mutually exclusive")
	}
	if len(data) == 0 {
		return errors.Wrap(knx.ErrIllegalArg, "empty data")
	}
	d, err := sf.mc.Destination(addr)
	if err != nil {
		return err
	}
	if verifyByServer {
		if err := sf.enableServerVerify(ctx, d); err != nil {
			return err
		}
	}
	chunk := sf.maxChunk(ctx, d)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		part := data[off:end]
		at := start + uint16(off)
		switch {
		case verifyByServer:
			echo, err := sf.mc.writeMemoryEcho(ctx, d, at, part)
			if err != nil {
				return err
			}
			if !bytes.Equal(echo, part) {
				return errors.Wrapf(knx.ErrInvalidResponse, "server echo differs at 0x%04x", at)
			}
		case verifyWrite:
			if err := sf.mc.WriteMemory(ctx, d, at, part); err != nil {
				return err
			}
			got, err := sf.mc.ReadMemory(ctx, d, at, len(part))
			if err != nil {
				return err
			}
			if !bytes.Equal(got, part) {
				return errors.Wrapf(knx.ErrInvalidResponse, "verify readback differs at 0x%04x", at)
			}
		default:
			if err := sf.mc.WriteMemory(ctx, d, at, part); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadMemory reads n bytes of device memory in chunks sized to the
// remote's maximum APDU length.
func (sf *Procedures) ReadMemory(ctx context.Context, addr knx.IndividualAddr, start uint16, n int) ([]byte, error) {
	if n < 1 {
		return nil, errors.Wrap(knx.ErrIllegalArg, "length must be positive")
	}
	d, err := sf.mc.Destination(addr)
	if err != nil {
		return nil, err
	}
	chunk := sf.maxChunk(ctx, d)
	out := make([]byte, 0, n)
	for off := 0; off < n; off += chunk {
		want := chunk
		if rest := n - off; rest < want {
			want = rest
		}
		part, err := sf.mc.ReadMemory(ctx, d, start+uint16(off), want)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// maxChunk queries the remote's maximum APDU length and derives the
// memory payload per request; without an answer the standard default
// applies.
func (sf *Procedures) maxChunk(ctx context.Context, d *transport.Destination) int {
	data, err := sf.mc.ReadProperty(ctx, d, 0, apdu.PIDMaxAPDULength, 1, 1)
	if err != nil || len(data) < 2 {
		return apdu.DefaultMaxASDULength
	}
	max := int(apdu.Uint16(data, 0))
	if max <= 3 {
		return apdu.DefaultMaxASDULength
	}
	chunk := max - 3
	if chunk > maxMemoryLen {
		chunk = maxMemoryLen
	}
	return chunk
}

// enableServerVerify sets the device-control bit that makes the server
// echo written memory in its responses.
func (sf *Procedures) enableServerVerify(ctx context.Context, d *transport.Destination) error {
	cur, err := sf.mc.ReadProperty(ctx, d, 0, apdu.PIDDeviceControl, 1, 1)
	if err != nil {
		return err
	}
	if len(cur) == 0 {
		return errors.Wrap(knx.ErrInvalidResponse, "empty device control property")
	}
	v := append([]byte(nil), cur...)
	v[0] |= apdu.DeviceControlVerify
	return sf.mc.WriteProperty(ctx, d, 0, apdu.PIDDeviceControl, 1, 1, v)
}

func (sf *Procedures) destinationFor(addr knx.IndividualAddr) (*transport.Destination, bool, error) {
	if d, ok := sf.tl.Destination(addr); ok {
		return d, false, nil
	}
	d, err := sf.tl.CreateDestination(addr, true)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func dedupeAddrs(in []knx.IndividualAddr) []knx.IndividualAddr {
	seen := make(map[knx.IndividualAddr]struct{}, len(in))
	out := in[:0]
	for _, a := range in {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
