// SPDX-License-Identifier: GPL-2.0-only

package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
)

// BusId identifies a device on the host USB topology as an ordered
// (bus, port) pair. Both components are 1-based.
type BusId struct {
	Bus  uint16
	Port uint16
}

// String renders a BusId as "<bus>-<port>", matching the sysfs naming
// convention used throughout the protocol.
func (b BusId) String() string {
	return fmt.Sprintf("%d-%d", b.Bus, b.Port)
}

// Less orders BusIds lexicographically by (bus, port).
func (b BusId) Less(other BusId) bool {
	if b.Bus != other.Bus {
		return b.Bus < other.Bus
	}
	return b.Port < other.Port
}

// DeviceId is the 32-bit wire representation of a BusId: (bus<<16)|port.
func (b BusId) DeviceId() uint32 {
	return uint32(b.Bus)<<16 | uint32(b.Port)
}

// ParseBusId parses the "<bus>-<port>" form used on the wire and in
// registry keys. Zero components and values that overflow uint16 are
// rejected.
func ParseBusId(s string) (BusId, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return BusId{}, errors.Newf("malformed bus id %q", s)
	}
	bus, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return BusId{}, errors.Wrapf(err, "malformed bus component in %q", s)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return BusId{}, errors.Wrapf(err, "malformed port component in %q", s)
	}
	if bus == 0 || port == 0 {
		return BusId{}, errors.Newf("bus id %q has a zero component", s)
	}
	return BusId{Bus: uint16(bus), Port: uint16(port)}, nil
}

// PutFixedBusId writes the NUL-padded 32-byte busid wire field.
func PutFixedBusId(dst *[32]byte, b BusId) {
	putFixedString(dst[:], b.String())
}

// FixedBusId decodes a NUL-padded 32-byte busid wire field. A field with
// no NUL terminator anywhere in its 32 bytes is rejected as malformed
// rather than silently treated as a full-width, unterminated string.
func FixedBusId(src [32]byte) (BusId, error) {
	idx := bytes.IndexByte(src[:], 0)
	if idx < 0 {
		return BusId{}, errors.Newf("busid field has no NUL terminator")
	}
	return ParseBusId(string(src[:idx]))
}
