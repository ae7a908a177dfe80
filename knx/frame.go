// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package knx

import "time"

// FrameEvent is the immutable capture of one inbound data unit delivered
// by a link. The payload is the TPDU, first byte carrying the TPCI bits.
type FrameEvent struct {
	src      IndividualAddr
	dst      uint16
	group    bool
	sysBcast bool
	payload  []byte
	received time.Time
}

// NewFrameEvent captures one inbound data unit. The payload is copied.
func NewFrameEvent(src IndividualAddr, dst uint16, group, sysBcast bool, tpdu []byte) FrameEvent {
	p := make([]byte, len(tpdu))
	copy(p, tpdu)
	return FrameEvent{
		src:      src,
		dst:      dst,
		group:    group,
		sysBcast: sysBcast,
		payload:  p,
		received: time.Now(),
	}
}

// Src returns the sender individual address.
func (e FrameEvent) Src() IndividualAddr { return e.src }

// DstRaw returns the 16-bit destination address value.
func (e FrameEvent) DstRaw() uint16 { return e.dst }

// IsGroup reports whether the destination is a group address.
func (e FrameEvent) IsGroup() bool { return e.group }

// IsBroadcast reports whether the frame addresses the broadcast destination.
func (e FrameEvent) IsBroadcast() bool { return e.group && e.dst == 0 }

// IsSystemBroadcast reports whether the frame was a system broadcast.
func (e FrameEvent) IsSystemBroadcast() bool { return e.sysBcast }

// Payload returns a copy of the TPDU bytes.
func (e FrameEvent) Payload() []byte {
	p := make([]byte, len(e.payload))
	copy(p, e.payload)
	return p
}

// TPCI returns the first TPDU byte, 0 for an empty payload.
func (e FrameEvent) TPCI() byte {
	if len(e.payload) == 0 {
		return 0
	}
	return e.payload[0]
}

// Received returns the capture time of the frame.
func (e FrameEvent) Received() time.Time { return e.received }
