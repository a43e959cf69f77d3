// SPDX-License-Identifier: GPL-2.0-only

// Package capturesink implements the capture sink (spec.md §4.H): a
// strictly advisory, append-only pcapng writer fed by a bounded,
// lossy queue. No pcapng or libpcap library is a dependency of any
// example repo (see DESIGN.md), so the block layout is hand-written
// against encoding/binary, in the same manual-binary-layout style the
// teacher uses in driver/driver.go for the kernel-side device
// descriptor.
package capturesink

import (
	"encoding/binary"
	"io"
)

// Block types (pcapng standard).
const (
	blockSectionHeader       = 0x0A0D0D0A
	blockInterfaceDescr      = 0x00000001
	blockEnhancedPacket      = 0x00000006
	blockInterfaceStatistics = 0x00000005
)

const (
	byteOrderMagic = 0x1A2B3C4D
	versionMajor   = 1
	versionMinor   = 0

	// linkTypeUSBLinuxMMapped is LINKTYPE_USB_LINUX_MMAPPED (220).
	linkTypeUSBLinuxMMapped = 220

	// tsResol10e7 marks if_tsresol as 10^-7 seconds per tick (100ns), a
	// direct power-of-10 exponent since its high bit is unset.
	tsResol10e7 = 0x07

	optEndOfOpt  = 0
	optIfTsResol = 9
	optIsbIfRecv = 4
	optIsbIfDrop = 5
)

func pad4(n int) int {
	return (n + 3) &^ 3
}

// writeSectionHeader emits one Section Header Block with no options.
func writeSectionHeader(w io.Writer) error {
	const bodyLen = 4 + 2 + 2 + 8 // magic, major, minor, section length
	total := 4 + 4 + bodyLen + 4

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], blockSectionHeader)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total))
	binary.LittleEndian.PutUint32(buf[8:12], byteOrderMagic)
	binary.LittleEndian.PutUint16(buf[12:14], versionMajor)
	binary.LittleEndian.PutUint16(buf[14:16], versionMinor)
	binary.LittleEndian.PutUint64(buf[16:24], 0xFFFFFFFFFFFFFFFF) // section length unknown
	binary.LittleEndian.PutUint32(buf[24:28], uint32(total))
	_, err := w.Write(buf)
	return err
}

// writeInterfaceDescription emits a single interface, LINKTYPE_USB_LINUX_MMAPPED,
// with if_tsresol set to 100ns ticks.
func writeInterfaceDescription(w io.Writer) error {
	// fixed fields (8) + option (if_tsresol: 4 header + 4 padded value) + end-of-opt (4)
	bodyLen := 8 + 8 + 4
	total := 4 + 4 + bodyLen + 4

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], blockInterfaceDescr)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], linkTypeUSBLinuxMMapped)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], 0) // reserved
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], 0) // snaplen: unlimited
	off += 4

	binary.LittleEndian.PutUint16(buf[off:], optIfTsResol)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], 1)
	off += 2
	buf[off] = tsResol10e7
	off += 4 // value padded to 4 bytes

	binary.LittleEndian.PutUint16(buf[off:], optEndOfOpt)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], 0)
	off += 2

	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	_, err := w.Write(buf)
	return err
}

// writeEnhancedPacket emits one Enhanced Packet Block for a captured
// URB. timestampTicks is the capture time in 100ns units since the
// UNIX epoch, matching if_tsresol above.
func writeEnhancedPacket(w io.Writer, timestampTicks uint64, payload []byte) error {
	capLen := len(payload)
	paddedLen := pad4(capLen)
	bodyLen := 4 + 4 + 4 + 4 + 4 + paddedLen // ifid, ts-hi, ts-lo, caplen, origlen, data
	total := 4 + 4 + bodyLen + 4

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], blockEnhancedPacket)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], 0) // interface id
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(timestampTicks>>32))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(timestampTicks))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(capLen))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(capLen))
	off += 4
	copy(buf[off:], payload)
	off += paddedLen

	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	_, err := w.Write(buf)
	return err
}

// writeInterfaceStatistics emits the closing Interface Statistics Block
// with received/dropped packet counts.
func writeInterfaceStatistics(w io.Writer, timestampTicks uint64, received, dropped uint64) error {
	bodyLen := 4 + 4 + 4 + (4 + 8) + (4 + 8) + 4 // ifid, ts-hi, ts-lo, isb_ifrecv, isb_ifdrop, end-of-opt
	total := 4 + 4 + bodyLen + 4

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], blockInterfaceStatistics)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], 0) // interface id
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(timestampTicks>>32))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(timestampTicks))
	off += 4

	binary.LittleEndian.PutUint16(buf[off:], optIsbIfRecv)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], 8)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], received)
	off += 8

	binary.LittleEndian.PutUint16(buf[off:], optIsbIfDrop)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], 8)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], dropped)
	off += 8

	binary.LittleEndian.PutUint16(buf[off:], optEndOfOpt)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], 0)
	off += 2

	binary.LittleEndian.PutUint32(buf[off:], uint32(total))
	_, err := w.Write(buf)
	return err
}
