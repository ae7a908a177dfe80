// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package mgmt

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/marrasen/go-knxmgmt/apdu"
	"github.com/marrasen/go-knxmgmt/knx"
	"github.com/marrasen/go-knxmgmt/transport"
)

// argument limits of the management services
const (
	maxObjIndex   = 255
	maxPID        = 255
	maxStartIndex = 0xfff
	maxElements   = 15
	maxMemoryLen  = 63
	maxADCChannel = 63
	maxDescType   = 63
)

// mutatingOnAccept lists properties whose accepted value differs from the
// submitted one, so the write readback comparison is skipped.
var mutatingOnAccept = map[uint8]struct{}{
	apdu.PIDProgMode:      {},
	apdu.PIDDeviceControl: {},
}

// ReadDeviceDesc reads the device descriptor of the given type (0..63),
// connection-oriented or connectionless per the mode of d.
func (sf *ManagementClient) ReadDeviceDesc(ctx context.Context, d *transport.Destination, descType uint8) ([]byte, error) {
	if descType > maxDescType {
		return nil, errors.Wrap(knx.ErrIllegalArg, "descriptor type exceeds 63")
	}
	req := apdu.NewShort(apdu.DeviceDescRead, descType).Bytes()
	match := func(tsdu []byte) bool { return apdu.Low6(tsdu) == descType }
	r, err := sf.requestOne(ctx, d, req, apdu.DeviceDescRes, match)
	if err != nil {
		return nil, err
	}
	return r.ASDU(), nil
}

// ReadDeviceDesc0 reads and decodes descriptor type 0, the mask version.
func (sf *ManagementClient) ReadDeviceDesc0(ctx context.Context, d *transport.Destination) (apdu.DD0, error) {
	raw, err := sf.ReadDeviceDesc(ctx, d, 0)
	if err != nil {
		return 0, err
	}
	dd, err := apdu.ParseDD0(raw)
	if err != nil {
		return 0, errors.Wrap(knx.ErrInvalidResponse, err.Error())
	}
	return dd, nil
}

// ReadDeviceDesc2 reads and decodes descriptor type 2, the miscellaneous
// format. A type 2 response shorter than its fixed 14 bytes is a
// protocol violation.
func (sf *ManagementClient) ReadDeviceDesc2(ctx context.Context, d *transport.Destination) (apdu.DD2, error) {
	raw, err := sf.ReadDeviceDesc(ctx, d, 2)
	if err != nil {
		return apdu.DD2{}, err
	}
	if len(raw) < apdu.DD2Size {
		return apdu.DD2{}, errors.Wrapf(knx.ErrInvalidResponse,
			"descriptor type 2 of %d bytes", len(raw))
	}
	dd, err := apdu.ParseDD2(raw[:apdu.DD2Size])
	if err != nil {
		return apdu.DD2{}, errors.Wrap(knx.ErrInvalidResponse, err.Error())
	}
	return dd, nil
}

// Restart performs a basic restart. No response is defined; for a
// connection-oriented destination the peer-initiated disconnect is
// awaited, then a local disconnect is forced regardless.
func (sf *ManagementClient) Restart(ctx context.Context, d *transport.Destination) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	req := apdu.NewShort(apdu.Restart, 0).Bytes()
	if err := sf.send(ctx, d, req); err != nil {
		return err
	}
	sf.awaitRestartDisconnect(ctx, d)
	return nil
}

// MasterReset performs a master reset with the given erase scope and
// returns the worst-case restart time reported by the device.
func (sf *ManagementClient) MasterReset(ctx context.Context, d *transport.Destination, erase apdu.EraseCode, channel uint8) (time.Duration, error) {
	if erase == 0 || uint8(erase) > uint8(apdu.EraseFactoryResetKeepIA) {
		return 0, errors.Wrap(knx.ErrIllegalArg, "unsupported erase code")
	}
	req := apdu.NewShort(apdu.Restart, apdu.RestartMasterMode).
		AppendByte(byte(erase)).
		AppendByte(channel).
		Bytes()
	match := func(tsdu []byte) bool {
		low := apdu.Low6(tsdu)
		return low&apdu.RestartResponseBit != 0 && low&apdu.RestartMasterMode != 0
	}
	r, err := sf.requestOne(ctx, d, req, apdu.Restart, match)
	if err != nil {
		return 0, err
	}
	asdu := r.ASDU()
	status := asdu[0]
	procTime := time.Duration(apdu.Uint16(asdu, 1)) * time.Second
	if status != apdu.RestartSuccess {
		return procTime, &knx.RemoteError{
			Service: "master reset",
			Status:  status,
			Reason:  apdu.RestartStatusString(status),
		}
	}
	sf.mu.Lock()
	sf.awaitRestartDisconnect(ctx, d)
	sf.mu.Unlock()
	return procTime, nil
}

// awaitRestartDisconnect waits for the restarting peer to drop the
// connection, bounded by the transport disconnect timeout, then forces a
// local disconnect.
func (sf *ManagementClient) awaitRestartDisconnect(ctx context.Context, d *transport.Destination) {
	if !d.IsConnOriented() || d.State() != transport.OpenIdle {
		return
	}
	ch := sf.awaitDisconnect(d.Addr())
	defer sf.dropDisconnectWaiter(d.Addr())
	select {
	case <-ch:
	case <-time.After(sf.tl.Config().DisconnectTimeout):
	case <-ctx.Done():
	}
	_ = sf.tl.Disconnect(d)
}

// ReadProperty reads elements of an interface object property and
// returns the raw property data.
func (sf *ManagementClient) ReadProperty(ctx context.Context, d *transport.Destination, objIndex, pid uint8, start uint16, elements uint8) ([]byte, error) {
	if err := validateProperty(start, elements); err != nil {
		return nil, err
	}
	req := propertyAPDU(apdu.PropertyRead, objIndex, pid, start, elements).Bytes()
	match := propertyMatch(objIndex, pid, start)
	r, err := sf.requestOne(ctx, d, req, apdu.PropertyResponse, match)
	if err != nil {
		return nil, err
	}
	return checkPropertyResponse(r.ASDU(), elements)
}

// WriteProperty writes elements of an interface object property. The
// returned bytes are compared to the submitted ones unless the property
// is known to mutate its value on accept.
func (sf *ManagementClient) WriteProperty(ctx context.Context, d *transport.Destination, objIndex, pid uint8, start uint16, elements uint8, data []byte) error {
	if err := validateProperty(start, elements); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > apdu.MaxASDU-4 {
		return errors.Wrap(knx.ErrIllegalArg, "property data length")
	}
	req := propertyAPDU(apdu.PropertyWrite, objIndex, pid, start, elements).
		AppendBytes(data...).
		Bytes()
	match := propertyMatch(objIndex, pid, start)
	r, err := sf.requestOne(ctx, d, req, apdu.PropertyResponse, match)
	if err != nil {
		return err
	}
	returned, err := checkPropertyResponse(r.ASDU(), elements)
	if err != nil {
		return err
	}
	if _, mutates := mutatingOnAccept[pid]; mutates {
		return nil
	}
	if !bytes.Equal(returned, data) {
		return errors.Wrap(knx.ErrInvalidResponse, "write readback differs from submitted data")
	}
	return nil
}

// ReadPropertyDesc reads the description of a property, selected either
// by its PID (propIndex ignored) or, with pid 0, by its index within the
// object.
func (sf *ManagementClient) ReadPropertyDesc(ctx context.Context, d *transport.Destination, objIndex, pid, propIndex uint8) (apdu.Description, error) {
	req := apdu.New(apdu.PropDescRead).
		AppendByte(objIndex).
		AppendByte(pid).
		AppendByte(propIndex).
		Bytes()
	match := func(tsdu []byte) bool {
		asdu := apdu.Data(tsdu)
		if len(asdu) < 3 || asdu[0] != objIndex {
			return false
		}
		if pid != 0 {
			return asdu[1] == pid
		}
		return asdu[2] == propIndex
	}
	r, err := sf.requestOne(ctx, d, req, apdu.PropDescResponse, match)
	if err != nil {
		return apdu.Description{}, err
	}
	desc, err := apdu.ParseDescription(r.ASDU())
	if err != nil {
		return apdu.Description{}, errors.Wrap(knx.ErrInvalidResponse, err.Error())
	}
	if desc.MaxElements == 0 && pid != 0 {
		// a description of an unknown property carries no max elements
		return desc, &knx.RemoteError{Service: "property description", Reason: "no such property"}
	}
	return desc, nil
}

// ReadMemory reads up to 63 bytes of device memory, connection-oriented
// only.
func (sf *ManagementClient) ReadMemory(ctx context.Context, d *transport.Destination, start uint16, n int) ([]byte, error) {
	if n < 1 || n > maxMemoryLen {
		return nil, errors.Wrap(knx.ErrIllegalArg, "memory length not in [1, 63]")
	}
	if !d.IsConnOriented() {
		return nil, errors.Wrap(knx.ErrIllegalArg, "memory services require connection-oriented mode")
	}
	req := apdu.NewShort(apdu.MemoryRead, byte(n)).AppendUint16(start).Bytes()
	match := func(tsdu []byte) bool {
		asdu := apdu.Data(tsdu)
		return len(asdu) >= 2 && apdu.Uint16(asdu, 0) == start
	}
	r, err := sf.requestOne(ctx, d, req, apdu.MemoryResponse, match)
	if err != nil {
		return nil, err
	}
	asdu := r.ASDU()
	got := int(apdu.Low6(r.TSDU))
	if got == 0 {
		return nil, &knx.RemoteError{Service: "memory read", Reason: "access denied"}
	}
	if got != n || len(asdu) != 2+n {
		return nil, errors.Wrapf(knx.ErrInvalidResponse, "memory read returned %d of %d bytes", got, n)
	}
	return asdu[2:], nil
}

// WriteMemory writes up to 63 bytes of device memory, connection-oriented
// only. With the destination in verify mode the written range is read
// back and compared.
func (sf *ManagementClient) WriteMemory(ctx context.Context, d *transport.Destination, start uint16, data []byte) error {
	if len(data) < 1 || len(data) > maxMemoryLen {
		return errors.Wrap(knx.ErrIllegalArg, "memory length not in [1, 63]")
	}
	if !d.IsConnOriented() {
		return errors.Wrap(knx.ErrIllegalArg, "memory services require connection-oriented mode")
	}
	req := apdu.NewShort(apdu.MemoryWrite, byte(len(data))).
		AppendUint16(start).
		AppendBytes(data...).
		Bytes()
	if err := sf.sendCOSerialized(ctx, d, req); err != nil {
		return err
	}
	if d.VerifyMode() {
		got, err := sf.ReadMemory(ctx, d, start, len(data))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, data) {
			return errors.Wrap(knx.ErrInvalidResponse, "memory verify readback differs")
		}
	}
	return nil
}

// writeMemoryEcho writes device memory expecting the server to echo the
// written bytes, as enabled via the device control property.
func (sf *ManagementClient) writeMemoryEcho(ctx context.Context, d *transport.Destination, start uint16, data []byte) ([]byte, error) {
	if len(data) < 1 || len(data) > maxMemoryLen {
		return nil, errors.Wrap(knx.ErrIllegalArg, "memory length not in [1, 63]")
	}
	if !d.IsConnOriented() {
		return nil, errors.Wrap(knx.ErrIllegalArg, "memory services require connection-oriented mode")
	}
	req := apdu.NewShort(apdu.MemoryWrite, byte(len(data))).
		AppendUint16(start).
		AppendBytes(data...).
		Bytes()
	match := func(tsdu []byte) bool {
		asdu := apdu.Data(tsdu)
		return len(asdu) >= 2 && apdu.Uint16(asdu, 0) == start
	}
	r, err := sf.requestOne(ctx, d, req, apdu.MemoryResponse, match)
	if err != nil {
		return nil, err
	}
	asdu := r.ASDU()
	if int(apdu.Low6(r.TSDU)) == 0 {
		return nil, &knx.RemoteError{Service: "memory write", Reason: "write rejected"}
	}
	if len(asdu) != 2+len(data) {
		return nil, errors.Wrap(knx.ErrInvalidResponse, "unexpected echo length")
	}
	return asdu[2:], nil
}

// sendCOSerialized sends a request without expected response under the
// client cycle lock.
func (sf *ManagementClient) sendCOSerialized(ctx context.Context, d *transport.Destination, tsdu []byte) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.sendCO(ctx, d, tsdu)
}

// ReadADC reads one ADC conversion, connection-oriented. It returns the
// summed value over the requested repeat count.
func (sf *ManagementClient) ReadADC(ctx context.Context, d *transport.Destination, channel, repeat uint8) (uint16, error) {
	if channel > maxADCChannel {
		return 0, errors.Wrap(knx.ErrIllegalArg, "ADC channel exceeds 63")
	}
	if !d.IsConnOriented() {
		return 0, errors.Wrap(knx.ErrIllegalArg, "ADC read requires connection-oriented mode")
	}
	req := apdu.NewShort(apdu.ADCRead, channel).AppendByte(repeat).Bytes()
	match := func(tsdu []byte) bool { return apdu.Low6(tsdu) == channel }
	r, err := sf.requestOne(ctx, d, req, apdu.ADCResponse, match)
	if err != nil {
		return 0, err
	}
	asdu := r.ASDU()
	if asdu[0] == 0 {
		return 0, &knx.RemoteError{Service: "ADC read", Reason: "conversion failed"}
	}
	return apdu.Uint16(asdu, 1), nil
}

// Authorize submits an access key and returns the granted access level.
func (sf *ManagementClient) Authorize(ctx context.Context, d *transport.Destination, key [4]byte) (uint8, error) {
	if !d.IsConnOriented() {
		return 0, errors.Wrap(knx.ErrIllegalArg, "authorize requires connection-oriented mode")
	}
	req := apdu.New(apdu.AuthorizeReq).AppendByte(0).AppendBytes(key[:]...).Bytes()
	r, err := sf.requestOne(ctx, d, req, apdu.AuthorizeRes, nil)
	if err != nil {
		return 0, err
	}
	return r.ASDU()[0], nil
}

// WriteKey sets the key of an access level and returns the level granted
// by the device. A device refusing the write reports level 0xff.
func (sf *ManagementClient) WriteKey(ctx context.Context, d *transport.Destination, level uint8, key [4]byte) (uint8, error) {
	if !d.IsConnOriented() {
		return 0, errors.Wrap(knx.ErrIllegalArg, "key write requires connection-oriented mode")
	}
	req := apdu.New(apdu.KeyWrite).AppendByte(level).AppendBytes(key[:]...).Bytes()
	r, err := sf.requestOne(ctx, d, req, apdu.KeyResponse, nil)
	if err != nil {
		return 0, err
	}
	granted := r.ASDU()[0]
	if granted == 0xff && level != 0xff {
		return granted, &knx.RemoteError{Service: "key write", Status: granted, Reason: "key write refused"}
	}
	return granted, nil
}

// WriteAddress assigns addr to all devices currently in programming
// mode, by system broadcast.
func (sf *ManagementClient) WriteAddress(ctx context.Context, addr knx.IndividualAddr) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	req := apdu.New(apdu.IndAddrWrite).AppendUint16(addr.Raw()).Bytes()
	return sf.tl.Broadcast(ctx, true, knx.PrioSystem, req)
}

// ReadAddress reads the addresses of devices in programming mode. With
// oneOnly it returns on the first responder; otherwise it collects all
// responders within the response window.
func (sf *ManagementClient) ReadAddress(ctx context.Context, oneOnly bool) ([]knx.IndividualAddr, error) {
	req := apdu.New(apdu.IndAddrRead).Bytes()
	rs, err := sf.requestBroadcast(ctx, true, req, apdu.IndAddrResponse, nil, oneOnly)
	if err != nil {
		return nil, err
	}
	addrs := make([]knx.IndividualAddr, 0, len(rs))
	for _, r := range rs {
		addrs = append(addrs, r.Src)
	}
	return addrs, nil
}

// ReadAddressSN reads the individual address of the device with the
// given serial number.
func (sf *ManagementClient) ReadAddressSN(ctx context.Context, sn knx.SerialNumber) (knx.IndividualAddr, error) {
	req := apdu.New(apdu.IndAddrSNRead).AppendBytes(sn[:]...).Bytes()
	match := func(tsdu []byte) bool {
		return bytes.Equal(apdu.Data(tsdu)[:6], sn[:])
	}
	rs, err := sf.requestBroadcast(ctx, true, req, apdu.IndAddrSNResponse, match, true)
	if err != nil {
		return 0, err
	}
	return rs[0].Src, nil
}

// WriteAddressSN assigns addr to the device with the given serial
// number, by system broadcast.
func (sf *ManagementClient) WriteAddressSN(ctx context.Context, sn knx.SerialNumber, addr knx.IndividualAddr) error {
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	req := apdu.New(apdu.IndAddrSNWrite).
		AppendBytes(sn[:]...).
		AppendUint16(addr.Raw()).
		AppendUint32(0).
		Bytes()
	return sf.tl.Broadcast(ctx, true, knx.PrioSystem, req)
}

// WriteDomainAddress assigns the domain address to all devices in
// programming mode. The domain address is 2 bytes on PL, 6 on RF.
func (sf *ManagementClient) WriteDomainAddress(ctx context.Context, doa []byte) error {
	if len(doa) != 2 && len(doa) != 6 {
		return errors.Wrap(knx.ErrIllegalArg, "domain address must be 2 or 6 bytes")
	}
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	req := apdu.New(apdu.DomainWrite).AppendBytes(doa...).Bytes()
	return sf.tl.Broadcast(ctx, true, knx.PrioSystem, req)
}

// DomainResponse is one response to a domain address read.
type DomainResponse struct {
	Src    knx.IndividualAddr
	Domain []byte
}

// ReadDomainAddress collects the domain addresses of devices in
// programming mode within the response window.
func (sf *ManagementClient) ReadDomainAddress(ctx context.Context) ([]DomainResponse, error) {
	// minimum response length follows the medium: 2 bytes on PL, 6 on RF
	min := sf.Medium().Kind.DomainAddrSize()
	if min == 0 {
		min = 2
	}
	req := apdu.New(apdu.DomainRead).Bytes()
	match := func(tsdu []byte) bool { return len(apdu.Data(tsdu)) >= min }
	rs, err := sf.requestBroadcast(ctx, true, req, apdu.DomainResponse, match, false)
	if err != nil {
		return nil, err
	}
	out := make([]DomainResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, DomainResponse{Src: r.Src, Domain: r.ASDU()})
	}
	return out, nil
}

// ReadDomainAddressSelective reads domain addresses of PL devices in the
// given domain whose address lies in [start, start+addrRange].
func (sf *ManagementClient) ReadDomainAddressSelective(ctx context.Context, doa []byte, start knx.IndividualAddr, addrRange uint8) ([]DomainResponse, error) {
	if len(doa) != 2 {
		return nil, errors.Wrap(knx.ErrIllegalArg, "selective read requires a 2-byte domain address")
	}
	req := apdu.New(apdu.DomainSelectRead).
		AppendBytes(doa...).
		AppendUint16(start.Raw()).
		AppendByte(addrRange).
		Bytes()
	rs, err := sf.requestBroadcast(ctx, true, req, apdu.DomainResponse, nil, false)
	if err != nil {
		return nil, err
	}
	out := make([]DomainResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, DomainResponse{Src: r.Src, Domain: r.ASDU()})
	}
	return out, nil
}

// NetworkParamResponse is one response to a network parameter read.
type NetworkParamResponse struct {
	Src    knx.IndividualAddr
	Result []byte
}

// ReadNetworkParameter reads a network parameter, point-to-point when d
// is non-nil, otherwise by broadcast collecting all responders.
func (sf *ManagementClient) ReadNetworkParameter(ctx context.Context, d *transport.Destination, objType uint16, pid uint8, testInfo []byte) ([]NetworkParamResponse, error) {
	if len(testInfo) > apdu.MaxASDU-3 {
		return nil, errors.Wrap(knx.ErrIllegalArg, "test info too long")
	}
	req := apdu.New(apdu.NetworkParamRead).
		AppendUint16(objType).
		AppendByte(pid).
		AppendBytes(testInfo...).
		Bytes()
	match := func(tsdu []byte) bool {
		asdu := apdu.Data(tsdu)
		return len(asdu) >= 3 && apdu.Uint16(asdu, 0) == objType && asdu[2] == pid
	}
	result := func(rs []Response) []NetworkParamResponse {
		out := make([]NetworkParamResponse, 0, len(rs))
		for _, r := range rs {
			out = append(out, NetworkParamResponse{Src: r.Src, Result: r.ASDU()[3:]})
		}
		return out
	}
	if d != nil {
		r, err := sf.requestOne(ctx, d, req, apdu.NetworkParamRes, match)
		if err != nil {
			return nil, err
		}
		return result([]Response{r}), nil
	}
	rs, err := sf.requestBroadcast(ctx, false, req, apdu.NetworkParamRes, match, false)
	if err != nil {
		return nil, err
	}
	return result(rs), nil
}

// WriteNetworkParameter writes a network parameter, point-to-point when
// d is non-nil, otherwise by broadcast. No response is defined.
func (sf *ManagementClient) WriteNetworkParameter(ctx context.Context, d *transport.Destination, objType uint16, pid uint8, value []byte) error {
	if len(value) == 0 || len(value) > apdu.MaxASDU-3 {
		return errors.Wrap(knx.ErrIllegalArg, "parameter value length")
	}
	if sf.isDetached() {
		return knx.ErrIllegalState
	}
	req := apdu.New(apdu.NetworkParamWrite).
		AppendUint16(objType).
		AppendByte(pid).
		AppendBytes(value...).
		Bytes()
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if d != nil {
		return sf.send(ctx, d, req)
	}
	return sf.tl.Broadcast(ctx, false, knx.PrioSystem, req)
}

// property service helpers

func validateProperty(start uint16, elements uint8) error {
	if start > maxStartIndex {
		return errors.Wrap(knx.ErrIllegalArg, "start index exceeds 0xfff")
	}
	if elements > maxElements {
		return errors.Wrap(knx.ErrIllegalArg, "element count exceeds 15")
	}
	return nil
}

func propertyAPDU(svc uint16, objIndex, pid uint8, start uint16, elements uint8) *apdu.APDU {
	return apdu.New(svc).
		AppendByte(objIndex).
		AppendByte(pid).
		AppendByte(elements<<4 | byte(start>>8)&0x0f).
		AppendByte(byte(start))
}

func propertyMatch(objIndex, pid uint8, start uint16) func([]byte) bool {
	return func(tsdu []byte) bool {
		asdu := apdu.Data(tsdu)
		if len(asdu) < 4 {
			return false
		}
		gotStart := uint16(asdu[2]&0x0f)<<8 | uint16(asdu[3])
		return asdu[0] == objIndex && asdu[1] == pid && gotStart == start
	}
}

// checkPropertyResponse verifies the granted element count of a property
// response: zero signals denied access, a count differing from the
// request is a protocol violation. The property data is returned.
func checkPropertyResponse(asdu []byte, elements uint8) ([]byte, error) {
	granted := asdu[2] >> 4
	if granted == 0 {
		return nil, &knx.RemoteError{Service: "property access", Reason: "access denied or forbidden"}
	}
	if granted != elements {
		return nil, errors.Wrapf(knx.ErrInvalidResponse, "granted %d elements, requested %d", granted, elements)
	}
	return asdu[4:], nil
}
