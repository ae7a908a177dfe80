// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package knx

import "context"

// LinkListener receives inbound frames and the close event of a link.
// Listeners are notified sequentially, in arrival order.
type LinkListener interface {
	// Indication delivers one inbound data unit.
	Indication(FrameEvent)
	// LinkClosed signals that the link was closed, with a reason text.
	LinkClosed(reason string)
}

// Link is the raw frame-delivery service consumed by the transport layer.
// Implementations adapt a specific access medium (USB, IP, serial); this
// module only consumes the interface.
type Link interface {
	// SendRequest queues one TPDU for transmission, fire and forget.
	// sysBcast requests a system broadcast on open media; it is only
	// meaningful with the broadcast destination.
	SendRequest(dst Addr, sysBcast bool, p Priority, tpdu []byte) error

	// SendRequestWait transmits one TPDU and blocks until the medium
	// confirms the transmission, the context is done, or the link fails.
	SendRequestWait(ctx context.Context, dst Addr, sysBcast bool, p Priority, tpdu []byte) error

	// AddListener registers a listener for inbound frames and close events.
	AddListener(LinkListener)
	// RemoveListener removes a previously registered listener.
	RemoveListener(LinkListener)

	// Medium returns the medium kind and the local device address.
	Medium() MediumInfo

	// IsOpen reports whether the link can still transmit.
	IsOpen() bool
	// Close closes the link and notifies listeners.
	Close() error
}
