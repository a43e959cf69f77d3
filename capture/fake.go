// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/MatthiasValvekens/usbipd/enumerate"
	"github.com/MatthiasValvekens/usbipd/wire"
)

// FakeAdapter is a pure-Go Adapter for tests, mirroring the real/fake
// split the teacher applies to VHCIDriver.
type FakeAdapter struct {
	mu      sync.Mutex
	Devices map[wire.BusId]enumerate.ExportedDevice
	opened  map[wire.BusId]bool

	// Responder, if set, answers every SubmitURB call across every
	// Handle this adapter opens. Tests that need per-connection control
	// can switch on busId.
	Responder func(busId wire.BusId, req UrbRequest) UrbCompletion
}

func (a *FakeAdapter) Open(busId wire.BusId) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dev, ok := a.Devices[busId]
	if !ok {
		return nil, errors.Newf("device %s is no longer present", busId)
	}
	if a.opened == nil {
		a.opened = make(map[wire.BusId]bool)
	}
	if a.opened[busId] {
		return nil, errors.Newf("device %s is already attached", busId)
	}
	a.opened[busId] = true

	h := &fakeHandle{adapter: a, busId: busId, descriptor: dev, inflight: make(map[uint32]chan struct{})}
	if a.Responder != nil {
		h.Responder = func(req UrbRequest) UrbCompletion { return a.Responder(busId, req) }
	}
	return h, nil
}

type fakeHandle struct {
	adapter    *FakeAdapter
	busId      wire.BusId
	descriptor enumerate.ExportedDevice

	mu        sync.Mutex
	inflight  map[uint32]chan struct{}
	Responder func(UrbRequest) UrbCompletion
	resetErr  error
}

func (h *fakeHandle) ReadDeviceDescriptor() (enumerate.ExportedDevice, error) {
	return h.descriptor, nil
}

func (h *fakeHandle) SubmitURB(ctx context.Context, req UrbRequest) Future {
	out := make(chan UrbCompletion, 1)
	cancel := make(chan struct{})
	h.mu.Lock()
	h.inflight[req.Seqnum] = cancel
	responder := h.Responder
	h.mu.Unlock()
	req.Cancel = cancel

	result := make(chan UrbCompletion, 1)
	go func() {
		if len(req.Iso) > 0 {
			result <- UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusNotSupported}
			return
		}
		if responder == nil {
			result <- UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK, ActualLength: int32(len(req.Payload))}
			return
		}
		result <- responder(req)
	}()

	go func() {
		defer close(out)
		defer func() {
			h.mu.Lock()
			delete(h.inflight, req.Seqnum)
			h.mu.Unlock()
		}()

		select {
		case <-cancel:
			out <- UrbCompletion{Seqnum: req.Seqnum, Cancelled: true}
		case completion := <-result:
			select {
			case <-cancel:
				out <- UrbCompletion{Seqnum: req.Seqnum, Cancelled: true}
			default:
				out <- completion
			}
		}
	}()
	return out
}

func (h *fakeHandle) CancelURB(seqnum uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.inflight[seqnum]; ok {
		close(c)
		delete(h.inflight, seqnum)
	}
}

func (h *fakeHandle) Reset() error {
	return h.resetErr
}

func (h *fakeHandle) Release() error {
	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	delete(h.adapter.opened, h.busId)
	return nil
}
