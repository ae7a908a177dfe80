// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package mgmt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-knxmgmt/apdu"
	"github.com/marrasen/go-knxmgmt/knx"
	"github.com/marrasen/go-knxmgmt/transport"
)

type sentFrame struct {
	dst  knx.Addr
	sys  bool
	tpdu []byte
}

// mockLink records outbound frames and feeds scripted devices.
type mockLink struct {
	mu        sync.Mutex
	sent      []sentFrame
	listeners []knx.LinkListener
	devices   []*fakeDevice
	medium    knx.Medium
}

func newMockLink() *mockLink { return &mockLink{medium: knx.MediumTP1} }

func (m *mockLink) SendRequest(dst knx.Addr, sys bool, p knx.Priority, tpdu []byte) error {
	return m.send(dst, sys, tpdu)
}

func (m *mockLink) SendRequestWait(ctx context.Context, dst knx.Addr, sys bool, p knx.Priority, tpdu []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.send(dst, sys, tpdu)
}

func (m *mockLink) send(dst knx.Addr, sys bool, tpdu []byte) error {
	cp := append([]byte(nil), tpdu...)
	m.mu.Lock()
	m.sent = append(m.sent, sentFrame{dst, sys, cp})
	devs := append([]*fakeDevice(nil), m.devices...)
	m.mu.Unlock()
	for _, dev := range devs {
		dev.onFrame(dst, cp)
	}
	return nil
}

func (m *mockLink) AddListener(l knx.LinkListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *mockLink) RemoveListener(l knx.LinkListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range m.listeners {
		if have == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *mockLink) Medium() knx.MediumInfo {
	return knx.MediumInfo{Kind: m.medium, DeviceAddr: 0x11ff}
}

func (m *mockLink) IsOpen() bool { return true }
func (m *mockLink) Close() error { return nil }

func (m *mockLink) deliver(src knx.IndividualAddr, dst uint16, group bool, tpdu []byte) {
	e := knx.NewFrameEvent(src, dst, group, false, tpdu)
	m.mu.Lock()
	ls := append([]knx.LinkListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range ls {
		l.Indication(e)
	}
}

func (m *mockLink) frames() []sentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentFrame(nil), m.sent...)
}

func (m *mockLink) attach(dev *fakeDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, dev)
}

// fakeDevice answers management requests like a remote station: it
// acknowledges numbered data and replies with its own send sequence.
type fakeDevice struct {
	link *mockLink

	mu   sync.Mutex
	addr knx.IndividualAddr
	seq  uint8

	// refuseConnect terminates inbound connects, the presence-probe reply
	// of devices without free connection resources.
	refuseConnect bool
	// respond maps one request TSDU to response TSDUs (TPCI bits zero).
	respond func(tsdu []byte) [][]byte
	// answersBroadcast enables replies to broadcast requests.
	answersBroadcast bool
	// broadcastReply responds to a broadcast request; replies are sent as
	// broadcast frames again.
	broadcastReply func(tsdu []byte) [][]byte
}

func newFakeDevice(link *mockLink, addr string) *fakeDevice {
	a, err := knx.ParseIndividualAddr(addr)
	if err != nil {
		panic(err)
	}
	d := &fakeDevice{link: link, addr: a}
	link.attach(d)
	return d
}

func (dev *fakeDevice) getAddr() knx.IndividualAddr {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.addr
}

func (dev *fakeDevice) setAddr(a knx.IndividualAddr) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.addr = a
}

func (dev *fakeDevice) onFrame(dst knx.Addr, tpdu []byte) {
	self := dev.getAddr()
	if dst.IsGroup() {
		if dst.Raw() == 0 && dev.answersBroadcast && dev.broadcastReply != nil {
			for _, r := range dev.broadcastReply(tpdu) {
				dev.link.deliver(dev.getAddr(), 0, true, r)
			}
		}
		return
	}
	if dst.Raw() != self.Raw() {
		return
	}
	tpci := tpdu[0]
	switch {
	case tpci == 0x80: // connect
		if dev.refuseConnect {
			dev.link.deliver(self, 0x11ff, false, []byte{0x81})
			return
		}
		dev.mu.Lock()
		dev.seq = 0
		dev.mu.Unlock()
	case tpci == 0x81: // disconnect
		dev.mu.Lock()
		dev.seq = 0
		dev.mu.Unlock()
	case tpci&0xc0 == 0x40: // numbered data
		seq := tpci >> 2 & 0x0f
		dev.link.deliver(self, 0x11ff, false, []byte{0xc2 | seq<<2})
		if dev.respond == nil {
			return
		}
		tsdu := append([]byte{tpci & 0x03}, tpdu[1:]...)
		for _, r := range dev.respond(tsdu) {
			dev.mu.Lock()
			s := dev.seq
			dev.seq = (dev.seq + 1) & 0x0f
			dev.mu.Unlock()
			out := append([]byte(nil), r...)
			out[0] = out[0]&0x03 | 0x40 | s<<2
			dev.link.deliver(dev.getAddr(), 0x11ff, false, out)
		}
	case tpci&0xc0 == 0x00: // connectionless data
		if dev.respond == nil {
			return
		}
		for _, r := range dev.respond(tpdu) {
			dev.link.deliver(self, 0x11ff, false, r)
		}
	}
}

func newTestClient(t *testing.T, link *mockLink) *ManagementClient {
	t.Helper()
	tl := transport.New(link, transport.NewOption().SetConfig(transport.Config{
		AckTimeout:        50 * time.Millisecond,
		MaxSendAttempts:   4,
		DisconnectTimeout: 150 * time.Millisecond,
	}))
	mc := New(tl, NewOption().SetResponseTimeout(250*time.Millisecond))
	t.Cleanup(func() { mc.Detach() })
	return mc
}

func propertyResponse(objIndex, pid, elemsStart, startLo byte, data ...byte) []byte {
	return append([]byte{0x03, 0xd6, objIndex, pid, elemsStart, startLo}, data...)
}

func TestReadPropertySerialNumber(t *testing.T) {
	link := newMockLink()
	serial := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	dev := newFakeDevice(link, "1.1.5")
	dev.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.PropertyRead {
			return nil
		}
		return [][]byte{propertyResponse(0, apdu.PIDSerialNumber, 0x10, 0x01, serial...)}
	}

	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	got, err := mc.ReadProperty(context.Background(), d, 0, apdu.PIDSerialNumber, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, serial, got)

	// the request is byte exact: APCI 0x3D5, object 0, PID 11, one
	// element starting at 1, under the first connection sequence number
	var req []byte
	for _, f := range link.frames() {
		if len(f.tpdu) > 1 && apdu.Service(f.tpdu) == apdu.PropertyRead {
			req = f.tpdu
		}
	}
	assert.Equal(t, []byte{0x43, 0xd5, 0x00, 0x0b, 0x10, 0x01}, req)
}

func TestReadPropertyDeniedAndMismatch(t *testing.T) {
	link := newMockLink()
	dev := newFakeDevice(link, "1.1.5")
	granted := byte(0x00)
	dev.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.PropertyRead {
			return nil
		}
		return [][]byte{propertyResponse(0, 11, granted<<4|0x00, 0x01)}
	}

	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	_, err = mc.ReadProperty(context.Background(), d, 0, 11, 1, 1)
	assert.True(t, errors.Is(err, knx.ErrRemote), "zero elements must report a remote error, got %v", err)

	granted = 2
	_, err = mc.ReadProperty(context.Background(), d, 0, 11, 1, 1)
	assert.True(t, errors.Is(err, knx.ErrInvalidResponse), "count mismatch must be invalid response, got %v", err)
}

func TestWritePropertyReadback(t *testing.T) {
	link := newMockLink()
	dev := newFakeDevice(link, "1.1.5")
	echo := true
	dev.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.PropertyWrite {
			return nil
		}
		asdu := apdu.Data(tsdu)
		data := append([]byte(nil), asdu[4:]...)
		if !echo {
			data[0] ^= 0xff
		}
		return [][]byte{propertyResponse(asdu[0], asdu[1], asdu[2], asdu[3], data...)}
	}

	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	require.NoError(t, mc.WriteProperty(context.Background(), d, 1, 52, 1, 1, []byte{0xaa}))

	echo = false
	err = mc.WriteProperty(context.Background(), d, 1, 52, 1, 1, []byte{0xaa})
	assert.True(t, errors.Is(err, knx.ErrInvalidResponse), "got %v", err)
}

func TestArgumentValidationFailsWithoutIO(t *testing.T) {
	link := newMockLink()
	mc := newTestClient(t, link)
	addr, _ := knx.ParseIndividualAddr("1.1.5")
	d, err := mc.Destination(addr)
	require.NoError(t, err)

	ctx := context.Background()
	tests := []struct {
		name string
		call func() error
	}{
		{"property start", func() error { _, e := mc.ReadProperty(ctx, d, 0, 11, 0x1000, 1); return e }},
		{"property elements", func() error { _, e := mc.ReadProperty(ctx, d, 0, 11, 1, 16); return e }},
		{"memory length zero", func() error { _, e := mc.ReadMemory(ctx, d, 0, 0); return e }},
		{"memory length high", func() error { _, e := mc.ReadMemory(ctx, d, 0, 64); return e }},
		{"adc channel", func() error { _, e := mc.ReadADC(ctx, d, 64, 1); return e }},
		{"descriptor type", func() error { _, e := mc.ReadDeviceDesc(ctx, d, 64); return e }},
		{"domain size", func() error { return mc.WriteDomainAddress(ctx, []byte{1, 2, 3}) }},
		{"erase code", func() error { _, e := mc.MasterReset(ctx, d, 0, 0); return e }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, knx.ErrIllegalArg) {
				t.Fatalf("want ErrIllegalArg, got %v", err)
			}
			if n := len(link.frames()); n != 0 {
				t.Fatalf("validation must fail before I/O, %d frames sent", n)
			}
		})
	}
}

func TestMemoryRequiresConnectionOriented(t *testing.T) {
	link := newMockLink()
	mc := newTestClient(t, link)
	addr, _ := knx.ParseIndividualAddr("1.1.5")
	cl, err := mc.Transport().CreateDestination(addr, false)
	require.NoError(t, err)

	_, err = mc.ReadMemory(context.Background(), cl, 0x100, 4)
	assert.True(t, errors.Is(err, knx.ErrIllegalArg), "got %v", err)
	err = mc.WriteMemory(context.Background(), cl, 0x100, []byte{1})
	assert.True(t, errors.Is(err, knx.ErrIllegalArg), "got %v", err)
}

func TestReadDeviceDescConnectionless(t *testing.T) {
	link := newMockLink()
	dev := newFakeDevice(link, "1.1.7")
	dev.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.DeviceDescRead {
			return nil
		}
		return [][]byte{{0x03, 0x40, 0x07, 0xb0}}
	}

	mc := newTestClient(t, link)
	cl, err := mc.Transport().CreateDestination(dev.getAddr(), false)
	require.NoError(t, err)

	desc, err := mc.ReadDeviceDesc(context.Background(), cl, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07, 0xb0}, desc)
}

func TestReadAddressCollectsAllResponders(t *testing.T) {
	link := newMockLink()
	for _, a := range []string{"1.1.5", "1.1.6"} {
		dev := newFakeDevice(link, a)
		dev.answersBroadcast = true
		dev.broadcastReply = func(tsdu []byte) [][]byte {
			if apdu.Service(tsdu) != apdu.IndAddrRead {
				return nil
			}
			return [][]byte{{0x01, 0x40}}
		}
	}
	mc := newTestClient(t, link)
	addrs, err := mc.ReadAddress(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}

func TestReadAddressEmptyIsNotAnError(t *testing.T) {
	link := newMockLink()
	mc := newTestClient(t, link)
	addrs, err := mc.ReadAddress(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestReadAddressSN(t *testing.T) {
	link := newMockLink()
	sn := knx.SerialNumber{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	dev := newFakeDevice(link, "1.1.8")
	dev.answersBroadcast = true
	dev.broadcastReply = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.IndAddrSNRead {
			return nil
		}
		resp := append([]byte{0x03, 0xdd}, sn[:]...)
		resp = append(resp, 0, 0, 0, 0)
		return [][]byte{resp}
	}
	mc := newTestClient(t, link)
	got, err := mc.ReadAddressSN(context.Background(), sn)
	require.NoError(t, err)
	assert.Equal(t, dev.getAddr(), got)
}

func TestMasterReset(t *testing.T) {
	link := newMockLink()
	status := byte(apdu.RestartSuccess)
	dev := newFakeDevice(link, "1.1.5")
	dev.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.Restart {
			return nil
		}
		return [][]byte{{0x03, 0x80 | apdu.RestartResponseBit | apdu.RestartMasterMode, status, 0x00, 0x05}}
	}

	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	wait, err := mc.MasterReset(context.Background(), d, apdu.EraseConfirmedRestart, 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, wait)
	// after the restart the connection was taken down locally
	assert.Equal(t, transport.Disconnected, d.State())

	status = byte(apdu.RestartAccessDenied)
	require.NoError(t, mc.Transport().Connect(context.Background(), d))
	_, err = mc.MasterReset(context.Background(), d, apdu.EraseConfirmedRestart, 0)
	assert.True(t, errors.Is(err, knx.ErrRemote), "got %v", err)
}

func TestRequestTimeout(t *testing.T) {
	link := newMockLink()
	dev := newFakeDevice(link, "1.1.5")
	dev.respond = nil // device stays silent

	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	_, err = mc.ReadProperty(context.Background(), d, 0, 11, 1, 1)
	assert.True(t, errors.Is(err, knx.ErrTimeout), "got %v", err)
}

func TestResponseLengthViolation(t *testing.T) {
	link := newMockLink()
	dev := newFakeDevice(link, "1.1.5")
	dev.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.PropertyRead {
			return nil
		}
		// three byte payload, below the property response minimum of four
		return [][]byte{{0x03, 0xd6, 0x00, 0x0b, 0x10}}
	}
	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	_, err = mc.ReadProperty(context.Background(), d, 0, 11, 1, 1)
	assert.True(t, errors.Is(err, knx.ErrInvalidResponse), "got %v", err)
}

func TestAuthorizeAndKeyWrite(t *testing.T) {
	link := newMockLink()
	dev := newFakeDevice(link, "1.1.5")
	dev.respond = func(tsdu []byte) [][]byte {
		switch apdu.Service(tsdu) {
		case apdu.AuthorizeReq:
			return [][]byte{{0x03, 0xd2, 0x02}}
		case apdu.KeyWrite:
			return [][]byte{{0x03, 0xd4, 0xff}}
		}
		return nil
	}
	mc := newTestClient(t, link)
	d, err := mc.Destination(dev.getAddr())
	require.NoError(t, err)

	level, err := mc.Authorize(context.Background(), d, [4]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), level)

	_, err = mc.WriteKey(context.Background(), d, 2, [4]byte{1, 2, 3, 4})
	assert.True(t, errors.Is(err, knx.ErrRemote), "refused key write, got %v", err)
}

func TestDetachIsOneShotAndKeepsLinkOpen(t *testing.T) {
	link := newMockLink()
	mc := newTestClient(t, link)
	got := mc.Detach()
	assert.Equal(t, knx.Link(link), got)
	assert.True(t, link.IsOpen())

	_, err := mc.Destination(0x1105)
	assert.True(t, errors.Is(err, knx.ErrIllegalState), "got %v", err)
	_, err = mc.ReadAddress(context.Background(), false)
	assert.True(t, errors.Is(err, knx.ErrIllegalState), "got %v", err)
}
