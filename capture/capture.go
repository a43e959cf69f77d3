// SPDX-License-Identifier: GPL-2.0-only

// Package capture implements the capture-driver adapter (spec.md §4.G):
// the opaque handle over a locally installed USB device that the
// attached-client I/O engine submits URBs against. The teacher's
// analogous component (driver/driver.go, driver/types.go's VHCIDriver)
// wraps vhci-hcd ioctls behind cgo; this package wraps
// github.com/google/gousb instead, since this server owns the device
// side of the wire rather than the vhci-attach side.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"

	"github.com/MatthiasValvekens/usbipd/enumerate"
	"github.com/MatthiasValvekens/usbipd/wire"
)

// pollInterval bounds a single claimed-endpoint Read/Write attempt, so
// transferData can recheck cancellation between attempts instead of
// blocking on the endpoint forever. maxTransferWait bounds the overall
// wait for a transfer that never completes and never gets cancelled,
// so a stalled device can't wedge a submit goroutine (or session
// shutdown, which waits on every in-flight submission to unwind)
// indefinitely, per spec.md §4.F's cancellation-latency bound.
const (
	pollInterval    = 200 * time.Millisecond
	maxTransferWait = 5 * time.Second
)

// UrbRequest is a single submission handed to the adapter by the
// attached-client I/O engine's submitter (spec.md §4.F.2).
type UrbRequest struct {
	Seqnum    uint32
	Endpoint  uint8
	Direction uint8 // wire.DirOut or wire.DirIn
	Setup     [8]byte
	HasSetup  bool
	Payload   []byte // OUT payload, or the buffer to fill for IN
	Iso       []wire.IsoPacketDescriptor
	Cancel    <-chan struct{}
}

// UrbCompletion is delivered on a UrbRequest's Future once the transfer
// finishes, is cancelled, or the handle is torn down.
type UrbCompletion struct {
	Seqnum       uint32
	Status       wire.USBStatus
	ActualLength int32
	Payload      []byte // IN payload, filled in on success
	Iso          []wire.IsoPacketDescriptor
	ErrorCount   int32
	Cancelled    bool
}

// Future is the single-value promise returned by SubmitURB.
type Future <-chan UrbCompletion

// Handle is a claimed, ready-to-transfer view of one physical device.
// The adapter is the only component allowed to block on kernel I/O
// (spec.md §4.G); every Handle method may block the calling goroutine.
type Handle interface {
	ReadDeviceDescriptor() (enumerate.ExportedDevice, error)
	SubmitURB(ctx context.Context, req UrbRequest) Future
	CancelURB(seqnum uint32)
	Reset() error
	Release() error
}

// Adapter opens Handles by bus-id. GousbAdapter is the real
// implementation; tests use FakeAdapter.
type Adapter interface {
	Open(busId wire.BusId) (Handle, error)
}

// GousbAdapter opens devices through a shared libusb context.
type GousbAdapter struct {
	ctx *gousb.Context
}

func NewGousbAdapter(ctx *gousb.Context) *GousbAdapter {
	return &GousbAdapter{ctx: ctx}
}

func (a *GousbAdapter) Open(busId wire.BusId) (Handle, error) {
	var found *gousb.Device
	devs, err := a.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Bus) == busId.Bus && uint16(desc.Address) == busId.Port
	})
	if err != nil {
		for _, d := range devs {
			_ = d.Close()
		}
		return nil, errors.Wrapf(err, "failed to open device %s", busId)
	}
	for _, d := range devs {
		if found == nil {
			found = d
			continue
		}
		_ = d.Close() // ambiguous match, keep the first
	}
	if found == nil {
		return nil, errors.Newf("device %s is no longer present", busId)
	}

	found.SetAutoDetach(true)
	cfgNum, err := found.ActiveConfigNum()
	if err != nil {
		_ = found.Close()
		return nil, errors.Wrapf(err, "failed to read active configuration of %s", busId)
	}
	cfg, err := found.Config(cfgNum)
	if err != nil {
		_ = found.Close()
		return nil, errors.Wrapf(err, "failed to claim configuration of %s", busId)
	}

	return &gousbHandle{
		busId:    busId,
		dev:      found,
		cfg:      cfg,
		ifaces:   make(map[uint8]*gousb.Interface),
		inEps:    make(map[uint8]*gousb.InEndpoint),
		outEps:   make(map[uint8]*gousb.OutEndpoint),
		inflight: make(map[uint32]chan struct{}),
	}, nil
}

// gousbHandle backs one attached session's device access. Endpoints and
// interfaces are claimed lazily on first use, since a device may only
// ever be driven through endpoint 0 (control-only peripherals).
type gousbHandle struct {
	busId wire.BusId
	dev   *gousb.Device
	cfg   *gousb.Config

	mu       sync.Mutex
	ifaces   map[uint8]*gousb.Interface
	inEps    map[uint8]*gousb.InEndpoint
	outEps   map[uint8]*gousb.OutEndpoint
	inflight map[uint32]chan struct{}
}

func (h *gousbHandle) ReadDeviceDescriptor() (enumerate.ExportedDevice, error) {
	desc := h.dev.Desc
	dev := enumerate.ExportedDevice{
		BusId:              h.busId,
		Path:               "/sys/bus/usb/devices/" + h.busId.String(),
		IdVendor:           uint16(desc.Vendor),
		IdProduct:          uint16(desc.Product),
		BcdDevice:          uint16(desc.Device),
		DeviceClass:        uint8(desc.Class),
		DeviceSubClass:     uint8(desc.SubClass),
		DeviceProtocol:     uint8(desc.Protocol),
		ConfigurationValue: uint8(h.cfg.Desc.Number),
		NumConfigurations:  uint8(len(desc.Configs)),
	}
	for _, iface := range h.cfg.Desc.Interfaces {
		if len(iface.AltSettings) == 0 {
			continue
		}
		alt := iface.AltSettings[0]
		dev.Interfaces = append(dev.Interfaces, wire.InterfaceDescriptor{
			Class:    uint8(alt.Class),
			SubClass: uint8(alt.SubClass),
			Protocol: uint8(alt.Protocol),
		})
	}
	return dev, nil
}

// SubmitURB dispatches req to the control-transfer path (endpoint 0
// with a Setup packet) or the claimed-endpoint bulk/interrupt path,
// completing the returned Future exactly once. Isochronous transfers
// (req.Iso populated) are not implemented against this adapter and are
// rejected immediately with wire.StatusNotSupported rather than being
// silently funnelled through the bulk/interrupt path.
func (h *gousbHandle) SubmitURB(ctx context.Context, req UrbRequest) Future {
	out := make(chan UrbCompletion, 1)
	done := make(chan struct{})
	h.mu.Lock()
	h.inflight[req.Seqnum] = done
	h.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			h.mu.Lock()
			delete(h.inflight, req.Seqnum)
			h.mu.Unlock()
		}()

		completion := h.transfer(ctx, req, done)
		select {
		case out <- completion:
		case <-ctx.Done():
		}
	}()
	return out
}

func (h *gousbHandle) transfer(ctx context.Context, req UrbRequest, cancelled <-chan struct{}) UrbCompletion {
	select {
	case <-cancelled:
		return UrbCompletion{Seqnum: req.Seqnum, Cancelled: true}
	default:
	}

	if len(req.Iso) > 0 {
		return UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusNotSupported}
	}

	if req.Endpoint == 0 {
		return h.transferControl(req, cancelled)
	}
	return h.transferData(req, cancelled)
}

// transferControl has no per-call timeout knob to hand to Device.Control,
// so the blocking call runs on its own goroutine and the caller races its
// result against cancellation and maxTransferWait. On cancel or timeout
// the Control goroutine is left running; its eventual result is dropped.
func (h *gousbHandle) transferControl(req UrbRequest, cancelled <-chan struct{}) UrbCompletion {
	bmRequestType := req.Setup[0]
	bRequest := req.Setup[1]
	wValue := uint16(req.Setup[2]) | uint16(req.Setup[3])<<8
	wIndex := uint16(req.Setup[4]) | uint16(req.Setup[5])<<8
	wLength := uint16(req.Setup[6]) | uint16(req.Setup[7])<<8

	buf := req.Payload
	if req.Direction == wire.DirIn {
		buf = make([]byte, wLength)
	}

	type result struct {
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		n, err := h.dev.Control(bmRequestType, bRequest, wValue, wIndex, buf)
		resCh <- result{n, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return UrbCompletion{Seqnum: req.Seqnum, Status: statusFromError(res.err)}
		}
		completion := UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK, ActualLength: int32(res.n)}
		if req.Direction == wire.DirIn {
			completion.Payload = buf[:res.n]
		}
		return completion
	case <-cancelled:
		return UrbCompletion{Seqnum: req.Seqnum, Cancelled: true}
	case <-time.After(maxTransferWait):
		return UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusDNR}
	}
}

// transferData retries Read/Write in pollInterval-bounded slices (set as
// the endpoint's Timeout by inEndpoint/outEndpoint), rechecking
// cancellation between attempts rather than only before the first one,
// so an in-flight transfer against a stalled endpoint aborts within
// maxTransferWait instead of blocking forever.
func (h *gousbHandle) transferData(req UrbRequest, cancelled <-chan struct{}) UrbCompletion {
	deadline := time.Now().Add(maxTransferWait)

	if req.Direction == wire.DirIn {
		ep, err := h.inEndpoint(req.Endpoint)
		if err != nil {
			return UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusStall}
		}
		buf := make([]byte, len(req.Payload))
		for {
			n, err := ep.Read(buf)
			if err == nil || n > 0 {
				return UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK, ActualLength: int32(n), Payload: buf[:n]}
			}
			select {
			case <-cancelled:
				return UrbCompletion{Seqnum: req.Seqnum, Cancelled: true}
			default:
			}
			if time.Now().After(deadline) {
				return UrbCompletion{Seqnum: req.Seqnum, Status: statusFromError(err)}
			}
		}
	}

	ep, err := h.outEndpoint(req.Endpoint)
	if err != nil {
		return UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusStall}
	}
	for {
		n, err := ep.Write(req.Payload)
		if err == nil || n > 0 {
			return UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK, ActualLength: int32(n)}
		}
		select {
		case <-cancelled:
			return UrbCompletion{Seqnum: req.Seqnum, Cancelled: true}
		default:
		}
		if time.Now().After(deadline) {
			return UrbCompletion{Seqnum: req.Seqnum, Status: statusFromError(err)}
		}
	}
}

func (h *gousbHandle) inEndpoint(ep uint8) (*gousb.InEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.inEps[ep]; ok {
		return e, nil
	}
	iface, err := h.claimInterfaceFor(ep)
	if err != nil {
		return nil, err
	}
	e, err := iface.InEndpoint(int(ep))
	if err != nil {
		return nil, err
	}
	e.Timeout = pollInterval
	h.inEps[ep] = e
	return e, nil
}

func (h *gousbHandle) outEndpoint(ep uint8) (*gousb.OutEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.outEps[ep]; ok {
		return e, nil
	}
	iface, err := h.claimInterfaceFor(ep)
	if err != nil {
		return nil, err
	}
	e, err := iface.OutEndpoint(int(ep))
	if err != nil {
		return nil, err
	}
	e.Timeout = pollInterval
	h.outEps[ep] = e
	return e, nil
}

// claimInterfaceFor claims whichever interface owns ep, on its default
// alt setting. Caller holds h.mu.
func (h *gousbHandle) claimInterfaceFor(ep uint8) (*gousb.Interface, error) {
	for _, ifaceDesc := range h.cfg.Desc.Interfaces {
		if len(ifaceDesc.AltSettings) == 0 {
			continue
		}
		alt := ifaceDesc.AltSettings[0]
		if claimed, ok := h.ifaces[uint8(ifaceDesc.Number)]; ok {
			return claimed, nil
		}
		for _, epDesc := range alt.Endpoints {
			if uint8(epDesc.Number) != ep {
				continue
			}
			iface, err := h.cfg.Interface(ifaceDesc.Number, alt.Number)
			if err != nil {
				return nil, err
			}
			h.ifaces[uint8(ifaceDesc.Number)] = iface
			return iface, nil
		}
	}
	return nil, errors.Newf("no interface exposes endpoint %d", ep)
}

func (h *gousbHandle) CancelURB(seqnum uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if done, ok := h.inflight[seqnum]; ok {
		close(done)
		delete(h.inflight, seqnum)
	}
}

func (h *gousbHandle) Reset() error {
	return h.dev.Reset()
}

func (h *gousbHandle) Release() error {
	h.mu.Lock()
	for _, iface := range h.ifaces {
		iface.Close()
	}
	h.mu.Unlock()
	h.cfg.Close()
	return h.dev.Close()
}

func statusFromError(err error) wire.USBStatus {
	if err == nil {
		return wire.StatusOK
	}
	// gousb surfaces libusb transfer errors as *gousb.TransferStatus-typed
	// errors in newer releases and plain errors in older ones; without a
	// stable sentinel to switch on, treat any I/O failure as a stall,
	// which Linux clients already retry the same way as other faults.
	return wire.StatusStall
}
