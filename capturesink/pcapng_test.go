// SPDX-License-Identifier: GPL-2.0-only

package capturesink

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/usbipd/wire"
)

func TestWriteSectionHeaderShape(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSectionHeader(&buf); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if binary.LittleEndian.Uint32(data[0:4]) != blockSectionHeader {
		t.Fatalf("unexpected block type: %x", data[0:4])
	}
	total := binary.LittleEndian.Uint32(data[4:8])
	if int(total) != len(data) {
		t.Fatalf("total length %d does not match written bytes %d", total, len(data))
	}
	if binary.LittleEndian.Uint32(data[8:12]) != byteOrderMagic {
		t.Fatalf("unexpected byte-order magic: %x", data[8:12])
	}
	if trailer := binary.LittleEndian.Uint32(data[len(data)-4:]); trailer != total {
		t.Fatalf("trailing total length %d does not match leading %d", trailer, total)
	}
}

func TestWriteInterfaceDescriptionLinkType(t *testing.T) {
	var buf bytes.Buffer
	if err := writeInterfaceDescription(&buf); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	linkType := binary.LittleEndian.Uint16(data[8:10])
	if linkType != linkTypeUSBLinuxMMapped {
		t.Fatalf("expected link type %d, got %d", linkTypeUSBLinuxMMapped, linkType)
	}
}

func TestWriteEnhancedPacketPadsToFourBytes(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3} // 3 bytes, needs one pad byte
	if err := writeEnhancedPacket(&buf, 12345, payload); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	total := binary.LittleEndian.Uint32(data[4:8])
	if int(total) != len(data) {
		t.Fatalf("total length %d does not match written bytes %d", total, len(data))
	}
	if total%4 != 0 {
		t.Fatalf("block length %d is not 4-byte aligned", total)
	}
	capLen := binary.LittleEndian.Uint32(data[20:24])
	if capLen != uint32(len(payload)) {
		t.Fatalf("expected captured length %d, got %d", len(payload), capLen)
	}
}

func TestSinkWritesAndDropsUnderBackpressure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	sink, err := Open(path, 2, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}

	sink.Submit(Packet{Seqnum: 1, Payload: []byte("a")})

	for i := 0; i < 10; i++ {
		sink.Submit(Packet{Seqnum: uint32(i + 2), Payload: []byte("x")})
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if got := sink.written.Load() + sink.DroppedCount(); got != 11 {
		t.Fatalf("written+dropped = %d, want 11 (every submitted packet either written or counted as dropped)", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Fatal("expected a non-empty capture file")
	}
}

func TestEncodePacketPrependsSetup(t *testing.T) {
	setup := [8]byte{0x80, 0x06, 0, 1, 0, 0, 0x12, 0}
	p := Packet{Setup: &setup, Payload: []byte("abc"), Status: wire.StatusOK}
	out := encodePacket(p)
	if len(out) != 11 {
		t.Fatalf("expected 8+3=11 bytes, got %d", len(out))
	}
	if !bytes.Equal(out[:8], setup[:]) {
		t.Fatalf("setup bytes not preserved: %x", out[:8])
	}
}
