// SPDX-License-Identifier: GPL-2.0-only

package server

// Wire-level client helpers for exercising Server end to end without a
// second implementation of the protocol: these decode the frames a real
// usbip client would send/receive, mirroring the encode/decode pairs in
// wire/*.go one direction at a time.

import (
	"encoding/binary"
	"io"

	"github.com/MatthiasValvekens/usbipd/wire"
)

func writeImportRequest(w io.Writer, busId wire.BusId) error {
	if err := (wire.Header{Version: wire.Version, Code: wire.OpReqImport}).Write(w); err != nil {
		return err
	}
	var buf [32]byte
	wire.PutFixedBusId(&buf, busId)
	_, err := w.Write(buf[:])
	return err
}

func writeDevlistRequest(w io.Writer) error {
	return (wire.Header{Version: wire.Version, Code: wire.OpReqDevlist}).Write(w)
}

func readDevlistReply(r io.Reader) (uint32, []wire.DeviceRecord, error) {
	hdr, err := wire.ReadHeader(r)
	if err != nil {
		return 0, nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return hdr.Status, nil, err
	}
	devices := make([]wire.DeviceRecord, count)
	for i := range devices {
		dev, err := wire.ReadDeviceRecord(r, true)
		if err != nil {
			return hdr.Status, nil, err
		}
		devices[i] = dev
	}
	return hdr.Status, devices, nil
}

func readImportReply(r io.Reader) (uint32, *wire.DeviceRecord, error) {
	hdr, err := wire.ReadHeader(r)
	if err != nil {
		return 0, nil, err
	}
	if hdr.Status != 0 {
		return hdr.Status, nil, nil
	}
	dev, err := wire.ReadDeviceRecord(r, false)
	if err != nil {
		return hdr.Status, nil, err
	}
	return hdr.Status, &dev, nil
}

func writeCmdSubmit(w io.Writer, c wire.CmdSubmit, payload []byte) error {
	if err := c.Write(w); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func writeCmdUnlink(w io.Writer, c wire.CmdUnlink) error {
	return c.Write(w)
}

// urbReply is a decoded RET_SUBMIT or RET_UNLINK, discriminated by
// hdr.Command.
type urbReply struct {
	hdr          wire.UrbHeader
	submitStatus int32
	actualLength int32
	payload      []byte
	unlinkStatus int32
}

func readUrbReply(r io.Reader) (urbReply, error) {
	hdr, err := wire.ReadUrbHeader(r)
	if err != nil {
		return urbReply{}, err
	}
	reply := urbReply{hdr: hdr}
	switch hdr.Command {
	case wire.RetSubmitCode:
		var status, actualLength, startFrame, numberOfPackets, errorCount int32
		for _, dst := range []*int32{&status, &actualLength, &startFrame, &numberOfPackets, &errorCount} {
			if err := binary.Read(r, binary.BigEndian, dst); err != nil {
				return reply, err
			}
		}
		var setup [8]byte
		if _, err := io.ReadFull(r, setup[:]); err != nil {
			return reply, err
		}
		reply.submitStatus = status
		reply.actualLength = actualLength
		if actualLength > 0 && hdr.Direction == wire.DirIn {
			payload := make([]byte, actualLength)
			if _, err := io.ReadFull(r, payload); err != nil {
				return reply, err
			}
			reply.payload = payload
		}
		for i := int32(0); i < numberOfPackets; i++ {
			if _, err := wire.ReadIsoPacketDescriptor(r); err != nil {
				return reply, err
			}
		}
	case wire.RetUnlinkCode:
		var status int32
		if err := binary.Read(r, binary.BigEndian, &status); err != nil {
			return reply, err
		}
		var padding [24]byte
		if _, err := io.ReadFull(r, padding[:]); err != nil {
			return reply, err
		}
		reply.unlinkStatus = status
	}
	return reply, nil
}
