// SPDX-License-Identifier: GPL-2.0-only

package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbipd/capture"
	"github.com/MatthiasValvekens/usbipd/capturesink"
	"github.com/MatthiasValvekens/usbipd/wire"
)

// runAttachedSession implements the shutdown-aware pipeline of spec.md
// §4.F: reader, submitter, and writer as independent goroutines joined
// by bounded channels, generalized from the teacher's per-plugin
// run.Group actors (gRPC-serve / register-with-kubelet / watch-socket)
// into (read-frames / submit-urbs / write-replies).
func (s *Server) runAttachedSession(parent context.Context, conn net.Conn, busId wire.BusId, peerAddr, sessionId string) {
	handle, err := s.adapter.Open(busId)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "failed to open capture handle", "busId", busId, "err", err)
		s.registry.MarkDetached(busId)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s.registerSession(busId, cancel)
	defer s.unregisterSession(busId)

	sess := &attachedSession{
		server:   s,
		conn:     conn,
		busId:    busId,
		devid:    busId.DeviceId(),
		peerAddr: peerAddr,
		handle:   handle,
		writeCh:  make(chan outboundFrame, 64),
		epSem:    newEndpointSemaphores(s.cfg.PerEndpointInFlight),
		budget:   newByteBudget(s.cfg.TotalInFlightBytes),
		inflight: make(map[uint32]context.CancelFunc),
	}

	s.metrics.AttachedSessions.Inc()
	defer s.metrics.AttachedSessions.Dec()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.writeLoop()
	}()

	readErr := sess.readLoop(ctx)
	if readErr != nil {
		_ = level.Debug(s.logger).Log("msg", "attached session read loop ended", "busId", busId, "err", readErr)
	}

	// Shutdown protocol (spec.md §4.F): stop taking new submissions,
	// cancel everything outstanding, release the device, mark detached,
	// close the socket. Failure in any step must not block the rest.
	cancel()
	sess.cancelAllInflight()
	sess.budget.cancel()
	sess.submits.Wait()
	close(sess.writeCh)
	wg.Wait()

	if err := handle.Release(); err != nil {
		_ = level.Warn(s.logger).Log("msg", "failed to release capture handle", "busId", busId, "err", err)
	}
	s.registry.MarkDetached(busId)
}

type attachedSession struct {
	server   *Server
	conn     net.Conn
	busId    wire.BusId
	devid    uint32
	peerAddr string
	handle   capture.Handle

	writeCh chan outboundFrame
	epSem   *endpointSemaphores
	budget  *byteBudget

	mu       sync.Mutex
	inflight map[uint32]context.CancelFunc
	submits  sync.WaitGroup
}

// readLoop is the reader activity: it never blocks on anything but the
// socket, the endpoint/byte budgets, and the writer's bounded queue.
func (sess *attachedSession) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hdr, err := wire.ReadUrbHeader(sess.conn)
		if err != nil {
			return err
		}
		switch hdr.Command {
		case wire.CmdSubmitCode:
			if err := sess.handleCmdSubmit(ctx, hdr); err != nil {
				return err
			}
		case wire.CmdUnlinkCode:
			if err := sess.handleCmdUnlink(ctx, hdr); err != nil {
				return err
			}
		default:
			return errUnrecognizedCommand(hdr.Command)
		}
	}
}

func (sess *attachedSession) handleCmdSubmit(ctx context.Context, hdr wire.UrbHeader) error {
	tail, err := wire.ReadCmdSubmitTail(sess.conn, hdr)
	if err != nil {
		return err
	}
	if hdr.Ep > 15 {
		return errInvalidEndpoint(hdr.Ep)
	}
	if int(tail.TransferBufferLength) > sess.server.cfg.TransferBufferCap {
		return errBufferTooLarge(tail.TransferBufferLength)
	}

	var payload []byte
	if hdr.Direction == wire.DirOut && tail.TransferBufferLength > 0 {
		payload = make([]byte, tail.TransferBufferLength)
		if _, err := io.ReadFull(sess.conn, payload); err != nil {
			return err
		}
	} else if hdr.Direction == wire.DirIn && tail.TransferBufferLength > 0 {
		payload = make([]byte, tail.TransferBufferLength)
	}

	var iso []wire.IsoPacketDescriptor
	if tail.NumberOfPackets > 0 {
		iso = make([]wire.IsoPacketDescriptor, tail.NumberOfPackets)
		for i := range iso {
			desc, err := wire.ReadIsoPacketDescriptor(sess.conn)
			if err != nil {
				return err
			}
			iso[i] = desc
		}
	}

	ep := uint8(hdr.Ep)
	if !sess.epSem.acquire(ctx, ep) {
		return ctx.Err()
	}
	if !sess.budget.acquire(ctx, len(payload)) {
		sess.epSem.release(ep)
		return ctx.Err()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	sess.inflight[hdr.Seqnum] = cancel
	sess.mu.Unlock()
	sess.server.metrics.InflightURBs.Inc()

	sess.submits.Add(1)
	go sess.submit(ctx, cancelCtx, hdr, tail, payload, iso)
	return nil
}

// submit runs one URB to completion. ctx is the URB's own scope, cancelled
// by CMD_UNLINK or session shutdown; the RET_SUBMIT is queued under the
// session's sessCtx, so an unlinked URB still gets its reply.
func (sess *attachedSession) submit(sessCtx, ctx context.Context, hdr wire.UrbHeader, tail wire.CmdSubmit, payload []byte, iso []wire.IsoPacketDescriptor) {
	defer sess.submits.Done()
	ep := uint8(hdr.Ep)
	defer func() {
		sess.epSem.release(ep)
		sess.budget.release(len(payload))
		sess.mu.Lock()
		delete(sess.inflight, hdr.Seqnum)
		sess.mu.Unlock()
		sess.server.metrics.InflightURBs.Dec()
	}()

	sess.emitCapture(hdr, tail, payload, wire.StatusOK)

	req := capture.UrbRequest{
		Seqnum:    hdr.Seqnum,
		Endpoint:  ep,
		Direction: uint8(hdr.Direction),
		Setup:     tail.Setup,
		HasSetup:  hdr.Ep == 0,
		Payload:   payload,
		Iso:       iso,
	}
	fut := sess.handle.SubmitURB(ctx, req)

	var completion capture.UrbCompletion
	select {
	case c, ok := <-fut:
		if ok {
			completion = c
		} else {
			completion = capture.UrbCompletion{Seqnum: hdr.Seqnum, Cancelled: true}
		}
	case <-ctx.Done():
		completion = capture.UrbCompletion{Seqnum: hdr.Seqnum, Cancelled: true}
	}

	status := completion.Status
	errno := status.ToErrno()
	if completion.Cancelled {
		errno = wire.ECONNRESET
	}
	sess.server.metrics.URBsTotal.WithLabelValues(statusLabel(status, completion.Cancelled)).Inc()

	retHdr := wire.RetSubmit{
		UrbHeader: wire.UrbHeader{
			Command:   wire.RetSubmitCode,
			Seqnum:    hdr.Seqnum,
			Devid:     hdr.Devid,
			Direction: hdr.Direction,
			Ep:        hdr.Ep,
		},
		Status:          errno,
		ActualLength:    completion.ActualLength,
		NumberOfPackets: int32(len(completion.Iso)),
		ErrorCount:      completion.ErrorCount,
	}

	var outPayload []byte
	if hdr.Direction == wire.DirIn {
		outPayload = completion.Payload
	}
	sess.emitCaptureCompletion(hdr, completion, outPayload)
	sess.enqueueWrite(sessCtx, retSubmitFrame{hdr: retHdr, payload: outPayload, iso: completion.Iso})
}

func (sess *attachedSession) handleCmdUnlink(ctx context.Context, hdr wire.UrbHeader) error {
	tail, err := wire.ReadCmdUnlinkTail(sess.conn, hdr)
	if err != nil {
		return err
	}

	wasInflight := sess.cancelInflight(tail.UnlinkSeqnum)
	status := int32(0)
	if wasInflight {
		status = wire.ECONNRESET
	}
	reply := wire.RetUnlink{
		UrbHeader: wire.UrbHeader{
			Command:   wire.RetUnlinkCode,
			Seqnum:    hdr.Seqnum,
			Devid:     hdr.Devid,
			Direction: hdr.Direction,
			Ep:        hdr.Ep,
		},
		Status: status,
	}
	sess.enqueueWrite(ctx, retUnlinkFrame{hdr: reply})
	return nil
}

// cancelInflight signals the URB identified by seqnum, if it is still
// outstanding, and reports whether it was.
func (sess *attachedSession) cancelInflight(seqnum uint32) bool {
	sess.mu.Lock()
	cancel, ok := sess.inflight[seqnum]
	sess.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	sess.handle.CancelURB(seqnum)
	return true
}

func (sess *attachedSession) cancelAllInflight() {
	sess.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(sess.inflight))
	for _, cancel := range sess.inflight {
		cancels = append(cancels, cancel)
	}
	sess.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// enqueueWrite hands a frame to the writer, respecting ctx so that
// shutdown never blocks on a wedged socket.
func (sess *attachedSession) enqueueWrite(ctx context.Context, frame outboundFrame) {
	select {
	case sess.writeCh <- frame:
	case <-ctx.Done():
	}
}

// writeLoop is the single consumer of the completion queue, serializing
// socket writes (spec.md §4.F.3).
func (sess *attachedSession) writeLoop() {
	for frame := range sess.writeCh {
		if err := frame.writeTo(sess.conn); err != nil {
			_ = level.Debug(sess.server.logger).Log("msg", "failed to write attached-session frame", "busId", sess.busId, "err", err)
			for range sess.writeCh {
				// drain without writing so submit() goroutines never block
			}
			return
		}
	}
}

func (sess *attachedSession) emitCapture(hdr wire.UrbHeader, tail wire.CmdSubmit, payload []byte, status wire.USBStatus) {
	if sess.server.sink == nil {
		return
	}
	var setup *[8]byte
	if hdr.Ep == 0 {
		s := tail.Setup
		setup = &s
	}
	sess.server.sink.Submit(capturesink.Packet{
		Direction:          uint8(hdr.Direction),
		Endpoint:           uint8(hdr.Ep),
		Setup:              setup,
		Payload:            payload,
		Status:             status,
		Seqnum:             hdr.Seqnum,
		TimestampHundredNs: nowHundredNs(),
	})
}

func (sess *attachedSession) emitCaptureCompletion(hdr wire.UrbHeader, completion capture.UrbCompletion, payload []byte) {
	if sess.server.sink == nil {
		return
	}
	sess.server.sink.Submit(capturesink.Packet{
		Direction:          uint8(hdr.Direction),
		Endpoint:           uint8(hdr.Ep),
		Payload:            payload,
		Status:             completion.Status,
		Seqnum:             hdr.Seqnum,
		TimestampHundredNs: nowHundredNs(),
	})
}

func nowHundredNs() uint64 {
	return uint64(time.Now().UnixNano() / 100)
}

func statusLabel(status wire.USBStatus, cancelled bool) string {
	if cancelled {
		return "cancelled"
	}
	switch status {
	case wire.StatusOK:
		return "ok"
	case wire.StatusStall:
		return "stall"
	case wire.StatusDNR:
		return "dnr"
	case wire.StatusCRC:
		return "crc"
	case wire.StatusNAK:
		return "nak"
	case wire.StatusUnderrun:
		return "underrun"
	case wire.StatusOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}
