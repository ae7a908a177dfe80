// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package mgmt

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-knxmgmt/apdu"
	"github.com/marrasen/go-knxmgmt/knx"
)

// progDevice scripts a device in programming mode: it answers broadcast
// address reads, takes a broadcast-assigned address, and serves device
// descriptor reads on its current address.
type progDevice struct {
	dev *fakeDevice

	mu     sync.Mutex
	inProg bool
	serial knx.SerialNumber
}

func newProgDevice(link *mockLink, addr string) *progDevice {
	pd := &progDevice{dev: newFakeDevice(link, addr), inProg: true}
	pd.dev.answersBroadcast = true
	pd.dev.broadcastReply = pd.onBroadcast
	pd.dev.respond = pd.onRequest
	return pd
}

func (pd *progDevice) programming() bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.inProg
}

func (pd *progDevice) onBroadcast(tsdu []byte) [][]byte {
	switch apdu.Service(tsdu) {
	case apdu.IndAddrRead:
		if pd.programming() {
			return [][]byte{{0x01, 0x40}}
		}
	case apdu.IndAddrWrite:
		if pd.programming() {
			pd.dev.setAddr(knx.IndividualAddr(apdu.Uint16(apdu.Data(tsdu), 0)))
		}
	case apdu.IndAddrSNRead:
		pd.mu.Lock()
		sn := pd.serial
		pd.mu.Unlock()
		if string(apdu.Data(tsdu)[:6]) == string(sn[:]) {
			resp := append([]byte{0x03, 0xdd}, sn[:]...)
			return [][]byte{append(resp, 0, 0, 0, 0)}
		}
	case apdu.IndAddrSNWrite:
		asdu := apdu.Data(tsdu)
		pd.mu.Lock()
		sn := pd.serial
		pd.mu.Unlock()
		if string(asdu[:6]) == string(sn[:]) {
			pd.dev.setAddr(knx.IndividualAddr(apdu.Uint16(asdu, 6)))
		}
	}
	return nil
}

func (pd *progDevice) onRequest(tsdu []byte) [][]byte {
	switch apdu.Service(tsdu) {
	case apdu.DeviceDescRead:
		return [][]byte{{0x03, 0x40, 0x07, 0xb0}}
	case apdu.Restart:
		pd.mu.Lock()
		pd.inProg = false
		pd.mu.Unlock()
		pd.dev.link.deliver(pd.dev.getAddr(), 0x11ff, false, []byte{0x81})
	}
	return nil
}

func TestWriteAddressAssignsProgrammingDevice(t *testing.T) {
	link := newMockLink()
	pd := newProgDevice(link, "15.15.255")
	mc := newTestClient(t, link)
	proc := NewProcedures(mc)

	target, _ := knx.ParseIndividualAddr("1.2.3")
	require.NoError(t, proc.WriteAddress(context.Background(), target))
	assert.Equal(t, target, pd.dev.getAddr())
	assert.False(t, pd.programming(), "device restarts after addressing")
}

func TestWriteAddressFailsWhenOccupiedByOtherDevice(t *testing.T) {
	link := newMockLink()
	newProgDevice(link, "15.15.255")
	// another station already owns the target address and is not in
	// programming mode
	owner := newFakeDevice(link, "1.2.3")
	owner.respond = func(tsdu []byte) [][]byte {
		if apdu.Service(tsdu) != apdu.DeviceDescRead {
			return nil
		}
		return [][]byte{{0x03, 0x40, 0x07, 0xb0}}
	}
	mc := newTestClient(t, link)
	proc := NewProcedures(mc)

	target, _ := knx.ParseIndividualAddr("1.2.3")
	err := proc.WriteAddress(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, knx.ErrIllegalState)
}

func TestWriteAddressNoProgrammingDevice(t *testing.T) {
	link := newMockLink()
	mc := newTestClient(t, link)
	proc := NewProcedures(mc)

	target, _ := knx.ParseIndividualAddr("1.2.3")
	err := proc.WriteAddress(context.Background(), target)
	assert.ErrorIs(t, err, knx.ErrTimeout)
}

func TestResetAddress(t *testing.T) {
	link := newMockLink()
	pd := newProgDevice(link, "1.4.7")
	mc := newTestClient(t, link)
	proc := NewProcedures(mc)

	require.NoError(t, proc.ResetAddress(context.Background()))
	assert.Equal(t, knx.IndividualAddr(0xffff), pd.dev.getAddr())
}

func TestWriteAddressSNProcedure(t *testing.T) {
	link := newMockLink()
	pd := newProgDevice(link, "15.15.255")
	pd.mu.Lock()
	pd.serial = knx.SerialNumber{9, 9, 9, 9, 9, 9}
	pd.mu.Unlock()
	mc := newTestClient(t, link)
	proc := NewProcedures(mc)

	target, _ := knx.ParseIndividualAddr("2.3.4")
	require.NoError(t, proc.WriteAddressSN(context.Background(), knx.SerialNumber{9, 9, 9, 9, 9, 9}, target))
	assert.Equal(t, target, pd.dev.getAddr())
}
