// SPDX-License-Identifier: GPL-2.0-only

package wire

import (
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// UrbHeader is the 20-byte prefix common to all four URB command/reply
// shapes: command tag, seqnum, devid, direction, endpoint.
type UrbHeader struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
}

func (h UrbHeader) write(w io.Writer) error {
	for _, v := range []uint32{h.Command, h.Seqnum, h.Devid, h.Direction, h.Ep} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readUrbHeader(r io.Reader) (UrbHeader, error) {
	var h UrbHeader
	for _, dst := range []*uint32{&h.Command, &h.Seqnum, &h.Devid, &h.Direction, &h.Ep} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return h, err
		}
	}
	return h, nil
}

// ReadUrbHeader reads just the 20-byte common prefix; callers dispatch on
// Command to decide which command-specific 28 bytes follow it (28, not 20,
// because spec.md §4.A's "48 bytes fixed" covers header+command-specific
// together: 20 + 28 == 48).
func ReadUrbHeader(r io.Reader) (UrbHeader, error) {
	h, err := readUrbHeader(r)
	if err != nil {
		return h, errors.Wrap(err, "failed to read URB header")
	}
	return h, nil
}

// CmdSubmit is CMD_SUBMIT's full 48-byte header.
type CmdSubmit struct {
	UrbHeader
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

func (c CmdSubmit) Write(w io.Writer) error {
	if err := c.UrbHeader.write(w); err != nil {
		return err
	}
	for _, v := range []int32{
		int32(c.TransferFlags), c.TransferBufferLength, c.StartFrame, c.NumberOfPackets, c.Interval,
	} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(c.Setup[:])
	return err
}

// ReadCmdSubmitTail reads the 28 command-specific bytes that follow a
// previously-read UrbHeader for a CMD_SUBMIT frame.
func ReadCmdSubmitTail(r io.Reader, hdr UrbHeader) (CmdSubmit, error) {
	c := CmdSubmit{UrbHeader: hdr}
	var transferFlags, startFrame, numPackets, interval int32
	fields := []*int32{&transferFlags, &c.TransferBufferLength, &startFrame, &numPackets, &interval}
	for _, dst := range fields {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return c, errors.Wrap(err, "failed to read CMD_SUBMIT tail")
		}
	}
	c.TransferFlags = uint32(transferFlags)
	c.StartFrame = startFrame
	c.NumberOfPackets = numPackets
	c.Interval = interval
	if _, err := io.ReadFull(r, c.Setup[:]); err != nil {
		return c, errors.Wrap(err, "failed to read CMD_SUBMIT setup bytes")
	}
	return c, nil
}

// RetSubmit is RET_SUBMIT's full 48-byte header. Setup is unused on return
// but still occupies wire space, per spec.md §4.A.
type RetSubmit struct {
	UrbHeader
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	Setup           [8]byte
}

func (r RetSubmit) Write(w io.Writer) error {
	if err := r.UrbHeader.write(w); err != nil {
		return err
	}
	for _, v := range []int32{r.Status, r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(r.Setup[:])
	return err
}

// CmdUnlink is CMD_UNLINK's full 48-byte header.
type CmdUnlink struct {
	UrbHeader
	UnlinkSeqnum uint32
}

func (c CmdUnlink) Write(w io.Writer) error {
	if err := c.UrbHeader.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.UnlinkSeqnum); err != nil {
		return err
	}
	var padding [24]byte
	_, err := w.Write(padding[:])
	return err
}

// ReadCmdUnlinkTail reads the 28 command-specific bytes that follow a
// previously-read UrbHeader for a CMD_UNLINK frame.
func ReadCmdUnlinkTail(r io.Reader, hdr UrbHeader) (CmdUnlink, error) {
	c := CmdUnlink{UrbHeader: hdr}
	if err := binary.Read(r, binary.BigEndian, &c.UnlinkSeqnum); err != nil {
		return c, errors.Wrap(err, "failed to read CMD_UNLINK seqnum")
	}
	var padding [24]byte
	if _, err := io.ReadFull(r, padding[:]); err != nil {
		return c, errors.Wrap(err, "failed to read CMD_UNLINK padding")
	}
	return c, nil
}

// RetUnlink is RET_UNLINK's full 48-byte header.
type RetUnlink struct {
	UrbHeader
	Status int32
}

func (r RetUnlink) Write(w io.Writer) error {
	if err := r.UrbHeader.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Status); err != nil {
		return err
	}
	var padding [24]byte
	_, err := w.Write(padding[:])
	return err
}

// IsoPacketDescriptor is one 16-byte isochronous packet descriptor,
// present after the payload whenever number_of_packets > 0.
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

func (p IsoPacketDescriptor) Write(w io.Writer) error {
	for _, v := range []uint32{p.Offset, p.Length, p.ActualLength} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.BigEndian, p.Status)
}

func ReadIsoPacketDescriptor(r io.Reader) (IsoPacketDescriptor, error) {
	var p IsoPacketDescriptor
	for _, dst := range []*uint32{&p.Offset, &p.Length, &p.ActualLength} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return p, err
		}
	}
	if err := binary.Read(r, binary.BigEndian, &p.Status); err != nil {
		return p, err
	}
	return p, nil
}
