// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

// Package apdu implements the application protocol data unit layer:
// the 10-bit APCI service identifiers, APDU construction and parsing,
// and the wire structures exchanged by the management services.
package apdu

// APDU format
//
//	|      APCI (10 bit)      |        ASDU         |
//	| TPCI+hi(2) |   lo(8)    |        ASDU         |
//
// bytes |     1      |     1      |   0..MaxASDU   |
//
// The two high APCI bits share the first octet with the TPCI; services of
// the short (4-bit) APCI class carry data in the low 6 bits of the second
// octet.
const (
	// MaxASDU is the largest service payload of an extended frame.
	MaxASDU = 253
	// MaxAPDUStandard is the APDU capacity of a standard frame.
	MaxAPDUStandard = 15
	// DefaultMaxASDULength is assumed for a remote when its maximum APDU
	// length was not queried (PID_MAX_APDULENGTH), per the standard.
	DefaultMaxASDULength = 12
)

// application service identifiers, 10 bit
const (
	IndAddrWrite      uint16 = 0x0C0
	IndAddrRead       uint16 = 0x100
	IndAddrResponse   uint16 = 0x140
	ADCRead           uint16 = 0x180
	ADCResponse       uint16 = 0x1C0
	MemoryRead        uint16 = 0x200
	MemoryResponse    uint16 = 0x240
	MemoryWrite       uint16 = 0x280
	DeviceDescRead    uint16 = 0x300
	DeviceDescRes     uint16 = 0x340
	Restart           uint16 = 0x380
	AuthorizeReq      uint16 = 0x3D1
	AuthorizeRes      uint16 = 0x3D2
	KeyWrite          uint16 = 0x3D3
	KeyResponse       uint16 = 0x3D4
	PropertyRead      uint16 = 0x3D5
	PropertyResponse  uint16 = 0x3D6
	PropertyWrite     uint16 = 0x3D7
	PropDescRead      uint16 = 0x3D8
	PropDescResponse  uint16 = 0x3D9
	NetworkParamRead  uint16 = 0x3DA
	NetworkParamRes   uint16 = 0x3DB
	IndAddrSNRead     uint16 = 0x3DC
	IndAddrSNResponse uint16 = 0x3DD
	IndAddrSNWrite    uint16 = 0x3DE
	DomainWrite       uint16 = 0x3E0
	DomainRead        uint16 = 0x3E1
	DomainResponse    uint16 = 0x3E2
	DomainSelectRead  uint16 = 0x3E3
	NetworkParamWrite uint16 = 0x3E4
)

// shortAPCI holds the services of the 4-bit APCI class, whose low 6 bits
// carry service data rather than identifier bits.
var shortAPCI = map[uint16]struct{}{
	ADCRead:        {},
	ADCResponse:    {},
	MemoryRead:     {},
	MemoryResponse: {},
	MemoryWrite:    {},
	DeviceDescRead: {},
	DeviceDescRes:  {},
	Restart:        {},
}

// Service extracts the application service identifier from a TSDU.
// The TPCI bits of the first octet are ignored; for the short APCI class
// the data bits of the second octet are masked out.
func Service(tsdu []byte) uint16 {
	if len(tsdu) < 2 {
		return 0
	}
	svc := uint16(tsdu[0]&0x03)<<8 | uint16(tsdu[1])
	if _, ok := shortAPCI[svc&0x3C0]; ok {
		return svc & 0x3C0
	}
	return svc
}

// Low6 returns the data bits of the second octet for the short APCI class.
func Low6(tsdu []byte) byte {
	if len(tsdu) < 2 {
		return 0
	}
	return tsdu[1] & 0x3f
}

// Data returns the service payload following the two APCI octets.
func Data(tsdu []byte) []byte {
	if len(tsdu) <= 2 {
		return nil
	}
	return tsdu[2:]
}

// Bounds is the accepted ASDU length range of a response service.
type Bounds struct {
	Min, Max int
}

// responseBounds fixes the accepted payload range per response service.
// Payload is counted after the two APCI octets; short-class data bits are
// not included.
var responseBounds = map[uint16]Bounds{
	IndAddrResponse:   {0, 0},
	ADCResponse:       {3, 3},
	MemoryResponse:    {2, 2 + 63},
	DeviceDescRes:     {2, MaxASDU},
	Restart:           {3, 3},
	AuthorizeRes:      {1, 1},
	KeyResponse:       {1, 1},
	PropertyResponse:  {4, 4 + MaxASDU},
	PropDescResponse:  {7, 7},
	NetworkParamRes:   {3, MaxASDU},
	IndAddrSNResponse: {10, 10},
	DomainResponse:    {2, 6},
}

// ResponseBounds returns the ASDU length range accepted for svc.
// Services without a registered range accept any length.
func ResponseBounds(svc uint16) Bounds {
	if b, ok := responseBounds[svc]; ok {
		return b
	}
	return Bounds{0, MaxASDU}
}
