// SPDX-License-Identifier: GPL-2.0-only

package server

import (
	"context"
	"net"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/MatthiasValvekens/usbipd/enumerate"
	"github.com/MatthiasValvekens/usbipd/registry"
	"github.com/MatthiasValvekens/usbipd/wire"
)

// connectedClient implements spec.md §4.E's state machine:
// AwaitingCommand -> HandlingDevList -> AwaitingCommand, or
// AwaitingCommand -> HandlingImport -> {Attached | Closed}.
type connectedClient struct {
	server   *Server
	conn     net.Conn
	peerAddr string
}

func (cc *connectedClient) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		hdr, err := wire.ReadHeader(cc.conn)
		if err != nil {
			return
		}
		if hdr.Version != wire.Version {
			_ = (wire.Header{Version: wire.Version, Code: hdr.Code, Status: 1}).Write(cc.conn)
			return
		}

		switch hdr.Code {
		case wire.OpReqDevlist:
			if err := cc.handleDevlist(); err != nil {
				_ = level.Warn(cc.server.logger).Log("msg", "devlist request failed", "peer", cc.peerAddr, "err", err)
				return
			}
		case wire.OpReqImport:
			attached, err := cc.handleImport(ctx)
			if err != nil {
				_ = level.Info(cc.server.logger).Log("msg", "import request failed", "peer", cc.peerAddr, "err", err)
			}
			if attached || err != nil {
				return
			}
		default:
			_ = (wire.Header{Version: wire.Version, Code: hdr.Code, Status: 1}).Write(cc.conn)
			return
		}
	}
}

func (cc *connectedClient) handleDevlist() error {
	devices, err := cc.server.enumerator.ListConnected(true)
	if err != nil {
		return errors.Wrap(err, "failed to enumerate devices")
	}

	records := make([]wire.DeviceRecord, 0, len(devices))
	for _, dev := range devices {
		if !cc.server.cfg.DevlistAllConnected && !cc.server.registry.IsShared(dev.BusId) {
			continue
		}
		records = append(records, dev.DeviceRecord())
	}
	return wire.DevlistReply{Status: 0, Devices: records}.Write(cc.conn)
}

// handleImport returns attached=true once ownership of cc.conn has been
// handed to the attached-client I/O engine; the caller must stop
// reading from the connection in that case.
func (cc *connectedClient) handleImport(ctx context.Context) (attached bool, err error) {
	req, err := wire.ReadImportRequest(cc.conn)
	if err != nil {
		return false, err
	}

	devices, err := cc.server.enumerator.ListConnected(false)
	if err != nil {
		return false, cc.rejectImport(errors.Wrap(err, "failed to enumerate devices"))
	}
	found, ok := findDevice(devices, req.BusId)
	if !ok {
		return false, cc.rejectImport(errors.Newf("device %s is not present", req.BusId))
	}
	if !cc.server.registry.IsShared(req.BusId) {
		return false, cc.rejectImport(errors.Newf("device %s is not shared", req.BusId))
	}

	sessionId := uuid.NewString()
	res, err := cc.server.registry.MarkAttached(req.BusId, cc.peerAddr, sessionId)
	if err != nil {
		return false, cc.rejectImport(errors.Wrap(err, "failed to record attachment"))
	}
	if res != registry.Ok {
		return false, cc.rejectImport(errors.Newf("device %s could not be attached: %s", req.BusId, res))
	}

	rec := found.DeviceRecord()
	if err := (wire.ImportReply{Status: 0, Device: &rec}).Write(cc.conn); err != nil {
		cc.server.registry.MarkDetached(req.BusId)
		return false, err
	}

	cc.server.runAttachedSession(ctx, cc.conn, req.BusId, cc.peerAddr, sessionId)
	return true, nil
}

func (cc *connectedClient) rejectImport(cause error) error {
	_ = (wire.ImportReply{Status: 1}).Write(cc.conn)
	return cause
}

func findDevice(devices []enumerate.ExportedDevice, busId wire.BusId) (enumerate.ExportedDevice, bool) {
	for _, dev := range devices {
		if dev.BusId == busId {
			return dev, true
		}
	}
	return enumerate.ExportedDevice{}, false
}
