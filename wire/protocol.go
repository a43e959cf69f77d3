// SPDX-License-Identifier: GPL-2.0-only

// Package wire implements the USB/IP wire codec: fixed-size, big-endian
// (de)serialization for the management handshake (OP_REQ_DEVLIST,
// OP_REQ_IMPORT) and the per-URB command/return headers that follow an
// attach. All frame shapes are exhaustively listed in spec.md §4.A; this
// file sticks to explicit per-field binary.Write/Read calls rather than a
// single binary.Write over a struct, because several frames carry a
// variable-length tail (interface tuples, iso packet descriptors, payload)
// that a fixed Go struct cannot represent.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// Protocol version and operation codes (network byte order on the wire).
const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x8005
	OpReqImport  = 0x8003
	OpRepImport  = 0x8003
)

// URB command codes.
const (
	CmdSubmitCode = 0x00000001
	RetSubmitCode = 0x00000002
	CmdUnlinkCode = 0x00000003
	RetUnlinkCode = 0x00000004
)

// Transfer directions.
const (
	DirOut = 0
	DirIn  = 1
)

// Header is the common 8-byte request/reply header shared by every
// management operation.
type Header struct {
	Version uint16
	Code    uint16
	Status  uint32
}

func (h Header) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

func ReadHeader(r io.Reader) (Header, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, errors.Wrap(err, "failed to read common header")
	}
	return Header{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Code:    binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// InterfaceDescriptor is one of a device record's bNumInterfaces tuples.
type InterfaceDescriptor struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d InterfaceDescriptor) write(w io.Writer) error {
	_, err := w.Write([]byte{d.Class, d.SubClass, d.Protocol, 0})
	return err
}

func readInterfaceDescriptor(r io.Reader) (InterfaceDescriptor, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return InterfaceDescriptor{}, err
	}
	return InterfaceDescriptor{Class: buf[0], SubClass: buf[1], Protocol: buf[2]}, nil
}

// DeviceRecord is the 0x138-byte-fixed (+4 per interface) device record
// that appears in OP_REP_DEVLIST and OP_REP_IMPORT replies.
type DeviceRecord struct {
	Path               string
	BusId              BusId
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	IdVendor           uint16
	IdProduct          uint16
	BcdDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
	Interfaces         []InterfaceDescriptor
}

// Write encodes the device record. If withInterfaces is false, the
// interface tuple tail is omitted (OP_REP_IMPORT's device record ends at
// bNumInterfaces; OP_REP_DEVLIST's continues with the tuples).
func (d DeviceRecord) Write(w io.Writer, withInterfaces bool) error {
	var path [256]byte
	putFixedString(path[:], d.Path)
	if _, err := w.Write(path[:]); err != nil {
		return err
	}

	var busid [32]byte
	PutFixedBusId(&busid, d.BusId)
	if _, err := w.Write(busid[:]); err != nil {
		return err
	}

	for _, v := range []uint32{d.BusNum, d.DevNum, d.Speed} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, v := range []uint16{d.IdVendor, d.IdProduct, d.BcdDevice} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte{
		d.DeviceClass,
		d.DeviceSubClass,
		d.DeviceProtocol,
		d.ConfigurationValue,
		d.NumConfigurations,
		d.NumInterfaces,
	})
	if err != nil {
		return err
	}

	if !withInterfaces {
		return nil
	}
	for _, iface := range d.Interfaces {
		if err := iface.write(w); err != nil {
			return err
		}
	}
	return nil
}

// ReadDeviceRecord decodes a device record. When withInterfaces is true it
// also decodes the interface tuple tail, taking the tuple count from the
// NumInterfaces byte of the fixed portion it has just read.
func ReadDeviceRecord(r io.Reader, withInterfaces bool) (DeviceRecord, error) {
	var d DeviceRecord

	var path [256]byte
	if _, err := io.ReadFull(r, path[:]); err != nil {
		return d, errors.Wrap(err, "failed to read device path")
	}
	d.Path = fixedString(path[:])

	var busid [32]byte
	if _, err := io.ReadFull(r, busid[:]); err != nil {
		return d, errors.Wrap(err, "failed to read device busid")
	}
	b, err := FixedBusId(busid)
	if err != nil {
		return d, errors.Wrap(err, "failed to parse device busid")
	}
	d.BusId = b

	for _, dst := range []*uint32{&d.BusNum, &d.DevNum, &d.Speed} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return d, errors.Wrap(err, "failed to read device record numeric field")
		}
	}
	for _, dst := range []*uint16{&d.IdVendor, &d.IdProduct, &d.BcdDevice} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return d, errors.Wrap(err, "failed to read device record numeric field")
		}
	}

	var tail [6]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return d, errors.Wrap(err, "failed to read device record class fields")
	}
	d.DeviceClass = tail[0]
	d.DeviceSubClass = tail[1]
	d.DeviceProtocol = tail[2]
	d.ConfigurationValue = tail[3]
	d.NumConfigurations = tail[4]
	d.NumInterfaces = tail[5]

	if !withInterfaces {
		return d, nil
	}
	d.Interfaces = make([]InterfaceDescriptor, d.NumInterfaces)
	for i := range d.Interfaces {
		iface, err := readInterfaceDescriptor(r)
		if err != nil {
			return d, errors.Wrap(err, "failed to read interface descriptor")
		}
		d.Interfaces[i] = iface
	}
	return d, nil
}

// DevlistReply is OP_REP_DEVLIST: common header, device count, then that
// many device records (each including its interface tuples).
type DevlistReply struct {
	Status  uint32
	Devices []DeviceRecord
}

func (r DevlistReply) Write(w io.Writer) error {
	if err := (Header{Version: Version, Code: OpRepDevlist, Status: r.Status}).Write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(r.Devices))); err != nil {
		return err
	}
	for _, dev := range r.Devices {
		if err := dev.Write(w, true); err != nil {
			return err
		}
	}
	return nil
}

// ImportRequest is OP_REQ_IMPORT's request body: the common header plus a
// 32-byte NUL-padded busid.
type ImportRequest struct {
	BusId BusId
}

func ReadImportRequest(r io.Reader) (ImportRequest, error) {
	var busid [32]byte
	if _, err := io.ReadFull(r, busid[:]); err != nil {
		return ImportRequest{}, errors.Wrap(err, "failed to read import request busid")
	}
	b, err := FixedBusId(busid)
	if err != nil {
		return ImportRequest{}, errors.Wrap(err, "failed to parse import request busid")
	}
	return ImportRequest{BusId: b}, nil
}

// ImportReply is OP_REP_IMPORT: common header; on success (status==0) a
// device record follows (without the interface tail).
type ImportReply struct {
	Status uint32
	Device *DeviceRecord
}

func (r ImportReply) Write(w io.Writer) error {
	if err := (Header{Version: Version, Code: OpRepImport, Status: r.Status}).Write(w); err != nil {
		return err
	}
	if r.Status != 0 || r.Device == nil {
		return nil
	}
	return r.Device.Write(w, false)
}
