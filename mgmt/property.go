// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package mgmt

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/marrasen/go-knxmgmt/apdu"
	"github.com/marrasen/go-knxmgmt/knx"
	"github.com/marrasen/go-knxmgmt/transport"
)

// PropertyAdapter is the uniform property access surface. The remote
// implementation below runs over the management client; local (USB, IP)
// adapters are external implementations of the same interface.
type PropertyAdapter interface {
	// SetProperty writes elements of a property, raw bytes.
	SetProperty(ctx context.Context, objIndex, pid uint8, start uint16, elements uint8, data []byte) error
	// GetProperty reads elements of a property, raw bytes.
	GetProperty(ctx context.Context, objIndex, pid uint8, start uint16, elements uint8) ([]byte, error)
	// GetDescription reads a property description, selected by PID or,
	// with pid 0, by property index.
	GetDescription(ctx context.Context, objIndex, pid, propIndex uint8) (apdu.Description, error)
	// Name identifies the adapter endpoint.
	Name() string
	// IsOpen reports whether the adapter is usable.
	IsOpen() bool
	// Close releases the adapter.
	Close() error
}

// RemoteAdapter accesses the properties of one remote device through a
// management client.
type RemoteAdapter struct {
	mc     *ManagementClient
	d      *transport.Destination
	closed uint32
}

var _ PropertyAdapter = (*RemoteAdapter)(nil)

// NewRemoteAdapter opens a property adapter to addr over mc.
func NewRemoteAdapter(mc *ManagementClient, addr knx.IndividualAddr) (*RemoteAdapter, error) {
	d, err := mc.Destination(addr)
	if err != nil {
		return nil, err
	}
	return &RemoteAdapter{mc: mc, d: d}, nil
}

// SetProperty implements PropertyAdapter.
func (sf *RemoteAdapter) SetProperty(ctx context.Context, objIndex, pid uint8, start uint16, elements uint8, data []byte) error {
	if !sf.IsOpen() {
		return knx.ErrIllegalState
	}
	return errors.Wrapf(sf.mc.WriteProperty(ctx, sf.d, objIndex, pid, start, elements, data),
		"set property %d|%d of %v", objIndex, pid, sf.d.Addr())
}

// GetProperty implements PropertyAdapter.
func (sf *RemoteAdapter) GetProperty(ctx context.Context, objIndex, pid uint8, start uint16, elements uint8) ([]byte, error) {
	if !sf.IsOpen() {
		return nil, knx.ErrIllegalState
	}
	data, err := sf.mc.ReadProperty(ctx, sf.d, objIndex, pid, start, elements)
	if err != nil {
		return nil, errors.Wrapf(err, "get property %d|%d of %v", objIndex, pid, sf.d.Addr())
	}
	return data, nil
}

// GetDescription implements PropertyAdapter.
func (sf *RemoteAdapter) GetDescription(ctx context.Context, objIndex, pid, propIndex uint8) (apdu.Description, error) {
	if !sf.IsOpen() {
		return apdu.Description{}, knx.ErrIllegalState
	}
	return sf.mc.ReadPropertyDesc(ctx, sf.d, objIndex, pid, propIndex)
}

// CurrentElements reads the number of elements currently present in the
// property, transferred as a separate 2- or 4-byte big-endian value at
// start index 0.
func (sf *RemoteAdapter) CurrentElements(ctx context.Context, objIndex, pid uint8) (int, error) {
	data, err := sf.GetProperty(ctx, objIndex, pid, 0, 1)
	if err != nil {
		return 0, err
	}
	switch len(data) {
	case 2:
		return int(apdu.Uint16(data, 0)), nil
	case 4:
		return int(apdu.Uint32(data, 0)), nil
	}
	return 0, errors.Wrapf(knx.ErrInvalidResponse, "element count of %d bytes", len(data))
}

// Name implements PropertyAdapter.
func (sf *RemoteAdapter) Name() string {
	return fmt.Sprintf("remote %v", sf.d.Addr())
}

// IsOpen implements PropertyAdapter.
func (sf *RemoteAdapter) IsOpen() bool {
	return atomic.LoadUint32(&sf.closed) == 0 && sf.d.State() != transport.Destroyed
}

// Close implements PropertyAdapter; the destination is destroyed, the
// management client stays usable.
func (sf *RemoteAdapter) Close() error {
	if atomic.CompareAndSwapUint32(&sf.closed, 0, 1) {
		sf.d.Destroy()
	}
	return nil
}
