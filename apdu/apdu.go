// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package apdu

import (
	"encoding/binary"
	"fmt"
)

// APDU builds one application protocol data unit. The first octet leaves
// the TPCI bits zero; the transport layer ORs its control bits in.
type APDU struct {
	data []byte
}

// New starts an APDU for the given service.
func New(svc uint16) *APDU {
	return &APDU{data: []byte{byte(svc>>8) & 0x03, byte(svc)}}
}

// NewShort starts an APDU for a service of the short APCI class, packing
// low6 into the data bits of the second octet.
func NewShort(svc uint16, low6 byte) *APDU {
	a := New(svc)
	a.data[1] |= low6 & 0x3f
	return a
}

// AppendByte appends one byte to the service payload.
func (sf *APDU) AppendByte(b byte) *APDU {
	sf.data = append(sf.data, b)
	return sf
}

// AppendBytes appends payload bytes.
func (sf *APDU) AppendBytes(b ...byte) *APDU {
	sf.data = append(sf.data, b...)
	return sf
}

// AppendUint16 appends a big-endian u16, the KNX wire order.
func (sf *APDU) AppendUint16(v uint16) *APDU {
	sf.data = append(sf.data, byte(v>>8), byte(v))
	return sf
}

// AppendUint32 appends a big-endian u32.
func (sf *APDU) AppendUint32(v uint32) *APDU {
	sf.data = append(sf.data, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return sf
}

// Bytes returns the assembled TSDU.
func (sf *APDU) Bytes() []byte {
	return sf.data
}

func (sf *APDU) String() string {
	return fmt.Sprintf("APDU[% x]", sf.data)
}

// Uint16 reads a big-endian u16 at off of a service payload.
func Uint16(asdu []byte, off int) uint16 {
	return binary.BigEndian.Uint16(asdu[off:])
}

// Uint32 reads a big-endian u32 at off of a service payload.
func Uint32(asdu []byte, off int) uint32 {
	return binary.BigEndian.Uint32(asdu[off:])
}
