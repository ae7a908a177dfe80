// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package apdu

import (
	"errors"
	"fmt"
)

// DD0 is device descriptor type 0, the 16-bit mask version.
//
//	bits 15..12: medium type
//	bits 11..8:  firmware type
//	bits 7..4:   firmware version
//	bits 3..0:   firmware subcode
type DD0 uint16

// ErrDescriptorSize reports a descriptor block of unexpected length.
var ErrDescriptorSize = errors.New("device descriptor type 0 requires 2 bytes")

// ParseDD0 decodes the 2-byte descriptor block of a type 0 read.
func ParseDD0(b []byte) (DD0, error) {
	if len(b) != 2 {
		return 0, ErrDescriptorSize
	}
	return DD0(uint16(b[0])<<8 | uint16(b[1])), nil
}

// MediumType returns the medium type nibble of the mask version.
func (sf DD0) MediumType() uint8 { return uint8(sf >> 12) }

// FirmwareType returns the firmware type nibble.
func (sf DD0) FirmwareType() uint8 { return uint8(sf>>8) & 0x0f }

// FirmwareVersion returns the firmware version nibble.
func (sf DD0) FirmwareVersion() uint8 { return uint8(sf>>4) & 0x0f }

// FirmwareSubcode returns the firmware subcode nibble.
func (sf DD0) FirmwareSubcode() uint8 { return uint8(sf) & 0x0f }

// Bytes returns the 2-byte wire form.
func (sf DD0) Bytes() []byte { return []byte{byte(sf >> 8), byte(sf)} }

func (sf DD0) String() string {
	return fmt.Sprintf("mask %04X", uint16(sf))
}

// DD2Size is the length of descriptor type 2, the miscellaneous format.
const DD2Size = 14

// DD2 is device descriptor type 2:
//
//	byte 0..1:  application manufacturer, big endian
//	byte 2..3:  device type, big endian
//	byte 4:     version
//	byte 5:     bit 0 link management services supported,
//	            bits 1..6 logical tag base
//	byte 6..13: channel info 1..4, big endian u16 each
type DD2 struct {
	Manufacturer uint16
	DeviceType   uint16
	Version      uint8
	LinkMgmt     bool
	LogicalTags  uint8
	ChannelInfo  [4]uint16
}

// ErrDD2Size reports a type 2 descriptor block of the wrong length.
var ErrDD2Size = errors.New("device descriptor type 2 requires 14 bytes")

// ParseDD2 decodes the 14-byte descriptor block of a type 2 read.
func ParseDD2(b []byte) (DD2, error) {
	if len(b) != DD2Size {
		return DD2{}, ErrDD2Size
	}
	d := DD2{
		Manufacturer: uint16(b[0])<<8 | uint16(b[1]),
		DeviceType:   uint16(b[2])<<8 | uint16(b[3]),
		Version:      b[4],
		LinkMgmt:     b[5]&0x01 != 0,
		LogicalTags:  b[5] >> 1 & 0x3f,
	}
	for i := range d.ChannelInfo {
		d.ChannelInfo[i] = uint16(b[6+2*i])<<8 | uint16(b[7+2*i])
	}
	return d, nil
}

// Bytes returns the 14-byte wire form.
func (sf DD2) Bytes() []byte {
	b := make([]byte, DD2Size)
	b[0], b[1] = byte(sf.Manufacturer>>8), byte(sf.Manufacturer)
	b[2], b[3] = byte(sf.DeviceType>>8), byte(sf.DeviceType)
	b[4] = sf.Version
	b[5] = (sf.LogicalTags & 0x3f) << 1
	if sf.LinkMgmt {
		b[5] |= 0x01
	}
	for i, ci := range sf.ChannelInfo {
		b[6+2*i], b[7+2*i] = byte(ci>>8), byte(ci)
	}
	return b
}

func (sf DD2) String() string {
	return fmt.Sprintf("manufacturer %04X device type %04X version %d", sf.Manufacturer, sf.DeviceType, sf.Version)
}

// common mask versions
const (
	// DD0TypeSystem1 is the classic TP1 BCU 1 mask.
	DD0TypeSystem1 DD0 = 0x0012
	// DD0TypeSystem2 is the TP1 BCU 2 mask.
	DD0TypeSystem2 DD0 = 0x0020
	// DD0TypeSystem7 is the TP1 system 7 mask.
	DD0TypeSystem7 DD0 = 0x07b0
)
