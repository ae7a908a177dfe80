// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package apdu

import (
	"errors"
	"fmt"
)

// interface object property identifiers used by the management layer
const (
	// PIDSerialNumber is the 6-byte factory serial number (object 0).
	PIDSerialNumber uint8 = 11
	// PIDMaxAPDULength is the remote's maximum APDU length (object 0).
	PIDMaxAPDULength uint8 = 56
	// PIDProgMode is the programming-mode property (object 0).
	PIDProgMode uint8 = 54
	// PIDDeviceControl carries the verify-by-server control bit (object 0).
	PIDDeviceControl uint8 = 14
)

// DeviceControlVerify is bit 2 of PID_DEVICE_CONTROL; when set the server
// echoes written memory in its response.
const DeviceControlVerify byte = 0x04

// Description is the 7-byte property description block as exchanged on
// the wire by the property-description service and the property facade.
//
//	byte 0: object index
//	byte 1: PID
//	byte 2: property index
//	byte 3: bit7 write enabled, bits 0..5 PDT
//	byte 4..5: max elements, big endian
//	byte 6: bits 4..7 read level, bits 0..3 write level
type Description struct {
	ObjIndex     uint8
	PID          uint8
	PropIndex    uint8
	WriteEnabled bool
	PDT          uint8
	MaxElements  uint16
	ReadLevel    uint8
	WriteLevel   uint8
}

// ErrDescSize reports a description block of the wrong length.
var ErrDescSize = errors.New("property description requires 7 bytes")

// ParseDescription decodes the 7-byte wire block.
func ParseDescription(b []byte) (Description, error) {
	if len(b) != 7 {
		return Description{}, ErrDescSize
	}
	return Description{
		ObjIndex:     b[0],
		PID:          b[1],
		PropIndex:    b[2],
		WriteEnabled: b[3]&0x80 != 0,
		PDT:          b[3] & 0x3f,
		MaxElements:  uint16(b[4])<<8 | uint16(b[5]),
		ReadLevel:    b[6] >> 4,
		WriteLevel:   b[6] & 0x0f,
	}, nil
}

// Bytes encodes the description into its 7-byte wire form.
func (sf Description) Bytes() []byte {
	b := make([]byte, 7)
	b[0] = sf.ObjIndex
	b[1] = sf.PID
	b[2] = sf.PropIndex
	b[3] = sf.PDT & 0x3f
	if sf.WriteEnabled {
		b[3] |= 0x80
	}
	b[4] = byte(sf.MaxElements >> 8)
	b[5] = byte(sf.MaxElements)
	b[6] = sf.ReadLevel<<4 | sf.WriteLevel&0x0f
	return b
}

func (sf Description) String() string {
	return fmt.Sprintf("OI %d PID %d idx %d PDT %d max %d r/w level %d/%d write-enabled %t",
		sf.ObjIndex, sf.PID, sf.PropIndex, sf.PDT, sf.MaxElements, sf.ReadLevel, sf.WriteLevel, sf.WriteEnabled)
}

// EraseCode selects the scope of a master reset.
type EraseCode uint8

const (
	EraseConfirmedRestart EraseCode = iota + 1
	EraseFactoryReset
	EraseResetIndividualAddr
	EraseResetApplication
	EraseResetParams
	EraseResetLinks
	EraseFactoryResetKeepIA
)

// restart bit layout in the low APCI data bits
const (
	// RestartMasterMode flags a master reset request/response.
	RestartMasterMode byte = 0x01
	// RestartResponseBit flags a restart response. The standard defines
	// bit 5; revisions of other stacks disagree on the literal.
	RestartResponseBit byte = 0x20
)

// restart response status codes
const (
	RestartSuccess uint8 = iota
	RestartAccessDenied
	RestartUnsupportedEraseCode
	RestartInvalidChannel
)

// RestartStatusString names a master-reset status code.
func RestartStatusString(s uint8) string {
	switch s {
	case RestartSuccess:
		return "success"
	case RestartAccessDenied:
		return "access denied"
	case RestartUnsupportedEraseCode:
		return "unsupported erase code"
	case RestartInvalidChannel:
		return "invalid channel"
	}
	return fmt.Sprintf("unknown (%d)", s)
}
