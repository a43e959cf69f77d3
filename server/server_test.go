// SPDX-License-Identifier: GPL-2.0-only

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/MatthiasValvekens/usbipd/capture"
	"github.com/MatthiasValvekens/usbipd/enumerate"
	"github.com/MatthiasValvekens/usbipd/registry"
	"github.com/MatthiasValvekens/usbipd/wire"
)

func mustBusId(t *testing.T, s string) wire.BusId {
	t.Helper()
	b, err := wire.ParseBusId(s)
	if err != nil {
		t.Fatalf("ParseBusId(%q): %v", s, err)
	}
	return b
}

type testHarness struct {
	srv      *Server
	reg      *registry.Store
	adapter  *capture.FakeAdapter
	enum     *enumerate.FakeEnumerator
	addr     string
	shutdown func()
}

func newHarness(t *testing.T, devices []enumerate.ExportedDevice) *testHarness {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	fakeEnum := &enumerate.FakeEnumerator{Devices: devices}
	fakeAdapter := &capture.FakeAdapter{Devices: make(map[wire.BusId]enumerate.ExportedDevice)}
	for _, d := range devices {
		fakeAdapter.Devices[d.BusId] = d
	}

	cfg := DefaultConfig()
	srv := New(cfg, reg, fakeEnum, fakeAdapter, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.acceptLoop(ctx, ln)
	}()

	h := &testHarness{
		srv:     srv,
		reg:     reg,
		adapter: fakeAdapter,
		enum:    fakeEnum,
		addr:    ln.Addr().String(),
		shutdown: func() {
			cancel()
			_ = ln.Close()
			<-done
		},
	}
	t.Cleanup(h.shutdown)
	return h
}

// present is a registry.PresenceChecker backed by the harness's fake
// enumerator, for tests that bind a device and need it to be seen as
// currently connected.
func (h *testHarness) present(busId wire.BusId) bool {
	for _, d := range h.enum.Devices {
		if d.BusId == busId {
			return true
		}
	}
	return false
}

func (h *testHarness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", h.addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sampleDevice(busId wire.BusId) enumerate.ExportedDevice {
	return enumerate.ExportedDevice{
		BusId:              busId,
		Path:               "/sys/bus/usb/devices/" + busId.String(),
		Speed:              3,
		IdVendor:           0x1234,
		IdProduct:          0x5678,
		DeviceClass:        0,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		Interfaces: []wire.InterfaceDescriptor{
			{Class: 8, SubClass: 6, Protocol: 0x50},
		},
	}
}

func TestDevlistFiltersToSharedOnly(t *testing.T) {
	busA := mustBusId(t, "3-4")
	busB := mustBusId(t, "5-6")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busA), sampleDevice(busB)})

	if res, err := h.reg.Bind(busA, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind(%s) = %v, %v", busA, res, err)
	}

	conn := h.dial(t)
	if err := writeDevlistRequest(conn); err != nil {
		t.Fatalf("writeDevlistRequest: %v", err)
	}
	status, devices, err := readDevlistReply(conn)
	if err != nil {
		t.Fatalf("readDevlistReply: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1: %+v", len(devices), devices)
	}
	if devices[0].BusId != busA {
		t.Fatalf("busid = %s, want %s", devices[0].BusId, busA)
	}
}

func TestImportHappyPath(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	status, dev, err := readImportReply(conn)
	if err != nil {
		t.Fatalf("readImportReply: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if dev == nil || dev.BusId != busId {
		t.Fatalf("device record = %+v, want busid %s", dev, busId)
	}

	state := h.reg.IsAttached(busId)
	if !state.Attached {
		t.Fatalf("registry shows not attached after a successful import")
	}
}

func TestImportRejectsUnboundDevice(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	// Not bound.

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	status, dev, err := readImportReply(conn)
	if err != nil {
		t.Fatalf("readImportReply: %v", err)
	}
	if status == 0 {
		t.Fatalf("status = 0, want nonzero for an unshared device")
	}
	if dev != nil {
		t.Fatalf("device record = %+v, want nil on rejection", dev)
	}
}

func TestImportOnUnpluggedDeviceIsRejected(t *testing.T) {
	busId := mustBusId(t, "3-4")
	// Bind while present, then simulate the device being unplugged before
	// the import attempt.
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}
	h.enum.Devices = nil

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	status, dev, err := readImportReply(conn)
	if err != nil {
		t.Fatalf("readImportReply: %v", err)
	}
	if status == 0 {
		t.Fatalf("status = 0, want nonzero for an unplugged device")
	}
	if dev != nil {
		t.Fatalf("device record = %+v, want nil on rejection", dev)
	}
}

func TestDoubleAttachIsExclusive(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	first := h.dial(t)
	if err := writeImportRequest(first, busId); err != nil {
		t.Fatalf("first writeImportRequest: %v", err)
	}
	status1, dev1, err := readImportReply(first)
	if err != nil {
		t.Fatalf("first readImportReply: %v", err)
	}
	if status1 != 0 || dev1 == nil {
		t.Fatalf("first import: status=%d dev=%+v, want success", status1, dev1)
	}

	second := h.dial(t)
	if err := writeImportRequest(second, busId); err != nil {
		t.Fatalf("second writeImportRequest: %v", err)
	}
	status2, dev2, err := readImportReply(second)
	if err != nil {
		t.Fatalf("second readImportReply: %v", err)
	}
	if status2 == 0 {
		t.Fatalf("second import succeeded (status=%d dev=%+v), want rejection while first is attached", status2, dev2)
	}
}

// TestControlRequestRoundTrip drives a CMD_SUBMIT control transfer
// (GET_DESCRIPTOR for the device descriptor) over an attached session and
// checks the RET_SUBMIT frame carries the canned descriptor payload back.
func TestControlRequestRoundTrip(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	descriptor := []byte{
		0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
		0x34, 0x12, 0x78, 0x56, 0x00, 0x01, 0x01, 0x02,
		0x03, 0x01,
	}
	h.adapter.Responder = func(_ wire.BusId, req capture.UrbRequest) capture.UrbCompletion {
		if req.Endpoint == 0 && req.HasSetup {
			return capture.UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK, ActualLength: int32(len(descriptor)), Payload: descriptor}
		}
		return capture.UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK}
	}

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	status, dev, err := readImportReply(conn)
	if err != nil || status != 0 || dev == nil {
		t.Fatalf("import failed: status=%d dev=%+v err=%v", status, dev, err)
	}

	submit := wire.CmdSubmit{
		UrbHeader: wire.UrbHeader{
			Command:   wire.CmdSubmitCode,
			Seqnum:    1,
			Devid:     busId.DeviceId(),
			Direction: wire.DirIn,
			Ep:        0,
		},
		TransferBufferLength: 18,
		Setup:                [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}
	if err := writeCmdSubmit(conn, submit, nil); err != nil {
		t.Fatalf("writeCmdSubmit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := readUrbReply(conn)
	if err != nil {
		t.Fatalf("readUrbReply: %v", err)
	}
	if reply.hdr.Command != wire.RetSubmitCode {
		t.Fatalf("command = 0x%x, want RET_SUBMIT", reply.hdr.Command)
	}
	if reply.hdr.Seqnum != 1 {
		t.Fatalf("seqnum = %d, want 1", reply.hdr.Seqnum)
	}
	if reply.submitStatus != 0 {
		t.Fatalf("status = %d, want 0", reply.submitStatus)
	}
	if reply.actualLength != 18 {
		t.Fatalf("actual_length = %d, want 18", reply.actualLength)
	}
	if len(reply.payload) != 18 || reply.payload[0] != 0x12 || reply.payload[1] != 0x01 {
		t.Fatalf("payload = %x, want descriptor starting 12 01", reply.payload)
	}
}

// TestUnlinkRace submits a long bulk IN transfer and immediately unlinks
// it. Whichever of RET_SUBMIT/RET_UNLINK races, the session must emit
// exactly one RET_SUBMIT for seqnum 7 and exactly one RET_UNLINK, never a
// lost or duplicated frame (spec.md §8 scenario 5).
func TestUnlinkRace(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	release := make(chan struct{})
	h.adapter.Responder = func(_ wire.BusId, req capture.UrbRequest) capture.UrbCompletion {
		<-release
		return capture.UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK, ActualLength: int32(len(req.Payload)), Payload: req.Payload}
	}

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	status, dev, err := readImportReply(conn)
	if err != nil || status != 0 || dev == nil {
		t.Fatalf("import failed: status=%d dev=%+v err=%v", status, dev, err)
	}

	submit := wire.CmdSubmit{
		UrbHeader: wire.UrbHeader{
			Command:   wire.CmdSubmitCode,
			Seqnum:    7,
			Devid:     busId.DeviceId(),
			Direction: wire.DirIn,
			Ep:        1,
		},
		TransferBufferLength: 512,
	}
	if err := writeCmdSubmit(conn, submit, nil); err != nil {
		t.Fatalf("writeCmdSubmit: %v", err)
	}

	unlink := wire.CmdUnlink{
		UrbHeader: wire.UrbHeader{
			Command:   wire.CmdUnlinkCode,
			Seqnum:    8,
			Devid:     busId.DeviceId(),
			Direction: wire.DirIn,
			Ep:        1,
		},
		UnlinkSeqnum: 7,
	}
	if err := writeCmdUnlink(conn, unlink); err != nil {
		t.Fatalf("writeCmdUnlink: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotSubmit, gotUnlink int
	for i := 0; i < 2; i++ {
		reply, err := readUrbReply(conn)
		if err != nil {
			t.Fatalf("readUrbReply[%d]: %v", i, err)
		}
		switch reply.hdr.Command {
		case wire.RetSubmitCode:
			gotSubmit++
			if reply.hdr.Seqnum != 7 {
				t.Fatalf("RET_SUBMIT seqnum = %d, want 7", reply.hdr.Seqnum)
			}
		case wire.RetUnlinkCode:
			gotUnlink++
			if reply.hdr.Seqnum != 8 {
				t.Fatalf("RET_UNLINK seqnum = %d, want 8", reply.hdr.Seqnum)
			}
		default:
			t.Fatalf("unexpected command 0x%x", reply.hdr.Command)
		}
	}
	if gotSubmit != 1 {
		t.Fatalf("saw %d RET_SUBMIT frames, want exactly 1", gotSubmit)
	}
	if gotUnlink != 1 {
		t.Fatalf("saw %d RET_UNLINK frames, want exactly 1", gotUnlink)
	}
}

// TestUnlinkUnknownSeqnumStillReplies checks that unlinking a seqnum that
// was never submitted (or already completed) still yields a RET_UNLINK
// with status 0, per spec.md §8's boundary behaviors.
func TestUnlinkUnknownSeqnumStillReplies(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	if status, dev, err := readImportReply(conn); err != nil || status != 0 || dev == nil {
		t.Fatalf("import failed: status=%d dev=%+v err=%v", status, dev, err)
	}

	unlink := wire.CmdUnlink{
		UrbHeader: wire.UrbHeader{
			Command:   wire.CmdUnlinkCode,
			Seqnum:    99,
			Devid:     busId.DeviceId(),
			Direction: wire.DirIn,
			Ep:        1,
		},
		UnlinkSeqnum: 42,
	}
	if err := writeCmdUnlink(conn, unlink); err != nil {
		t.Fatalf("writeCmdUnlink: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := readUrbReply(conn)
	if err != nil {
		t.Fatalf("readUrbReply: %v", err)
	}
	if reply.hdr.Command != wire.RetUnlinkCode {
		t.Fatalf("command = 0x%x, want RET_UNLINK", reply.hdr.Command)
	}
	if reply.unlinkStatus != 0 {
		t.Fatalf("unlink status = %d, want 0 for an unknown seqnum", reply.unlinkStatus)
	}
}

// TestTransferBufferTooLargeClosesSession checks that a transfer_buffer_length
// exceeding the configured cap closes the session rather than being
// silently accepted.
func TestTransferBufferTooLargeClosesSession(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	if status, dev, err := readImportReply(conn); err != nil || status != 0 || dev == nil {
		t.Fatalf("import failed: status=%d dev=%+v err=%v", status, dev, err)
	}

	submit := wire.CmdSubmit{
		UrbHeader: wire.UrbHeader{
			Command:   wire.CmdSubmitCode,
			Seqnum:    1,
			Devid:     busId.DeviceId(),
			Direction: wire.DirIn,
			Ep:        1,
		},
		TransferBufferLength: int32(h.srv.cfg.TransferBufferCap) + 1,
	}
	if err := writeCmdSubmit(conn, submit, nil); err != nil {
		t.Fatalf("writeCmdSubmit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected the session to close after an oversized transfer_buffer_length, but a byte was read")
	}
}

// TestDisconnectReleasesDeviceAndDetaches checks that closing the client
// connection causes the device to be released and the registry to show
// Unattached within a bounded time, regardless of in-flight URBs.
func TestDisconnectReleasesDeviceAndDetaches(t *testing.T) {
	busId := mustBusId(t, "3-4")
	h := newHarness(t, []enumerate.ExportedDevice{sampleDevice(busId)})
	if res, err := h.reg.Bind(busId, "test stub", h.present); err != nil || res != registry.Ok {
		t.Fatalf("Bind = %v, %v", res, err)
	}

	blockForever := make(chan struct{})
	h.adapter.Responder = func(_ wire.BusId, req capture.UrbRequest) capture.UrbCompletion {
		<-blockForever
		return capture.UrbCompletion{Seqnum: req.Seqnum, Status: wire.StatusOK}
	}
	defer close(blockForever)

	conn := h.dial(t)
	if err := writeImportRequest(conn, busId); err != nil {
		t.Fatalf("writeImportRequest: %v", err)
	}
	if status, dev, err := readImportReply(conn); err != nil || status != 0 || dev == nil {
		t.Fatalf("import failed: status=%d dev=%+v err=%v", status, dev, err)
	}

	submit := wire.CmdSubmit{
		UrbHeader: wire.UrbHeader{
			Command:   wire.CmdSubmitCode,
			Seqnum:    1,
			Devid:     busId.DeviceId(),
			Direction: wire.DirIn,
			Ep:        1,
		},
		TransferBufferLength: 64,
	}
	if err := writeCmdSubmit(conn, submit, nil); err != nil {
		t.Fatalf("writeCmdSubmit: %v", err)
	}

	// Give the submit a moment to register as in-flight, then disconnect
	// without waiting for a reply.
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !h.reg.IsAttached(busId).Attached {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry still shows %s attached 500ms after client disconnect", busId)
}
