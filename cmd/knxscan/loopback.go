// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package main

import (
	"context"
	"sync"

	"github.com/marrasen/go-knxmgmt/knx"
)

// loopbackLink is the stand-in medium of the tool: frames are accepted
// and dropped, nothing ever answers. Replace it with a real link adapter
// to talk to an installation.
type loopbackLink struct {
	mu        sync.Mutex
	listeners []knx.LinkListener
	closed    bool
}

func newLoopbackLink() *loopbackLink { return &loopbackLink{} }

func (sf *loopbackLink) SendRequest(knx.Addr, bool, knx.Priority, []byte) error {
	if !sf.IsOpen() {
		return knx.ErrLinkClosed
	}
	return nil
}

func (sf *loopbackLink) SendRequestWait(ctx context.Context, _ knx.Addr, _ bool, _ knx.Priority, _ []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !sf.IsOpen() {
		return knx.ErrLinkClosed
	}
	return nil
}

func (sf *loopbackLink) AddListener(l knx.LinkListener) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.listeners = append(sf.listeners, l)
}

func (sf *loopbackLink) RemoveListener(l knx.LinkListener) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	for i, have := range sf.listeners {
		if have == l {
			sf.listeners = append(sf.listeners[:i], sf.listeners[i+1:]...)
			return
		}
	}
}

func (sf *loopbackLink) Medium() knx.MediumInfo {
	return knx.MediumInfo{Kind: knx.MediumTP1, DeviceAddr: 0x11ff}
}

func (sf *loopbackLink) IsOpen() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return !sf.closed
}

func (sf *loopbackLink) Close() error {
	sf.mu.Lock()
	if sf.closed {
		sf.mu.Unlock()
		return nil
	}
	sf.closed = true
	ls := append([]knx.LinkListener(nil), sf.listeners...)
	sf.mu.Unlock()
	for _, l := range ls {
		l.LinkClosed("link closed")
	}
	return nil
}
