// SPDX-License-Identifier: GPL-2.0-only

// Package enumerate implements the device enumerator (spec.md §4.C): a
// snapshot of currently connected USB devices, suitable for answering
// OP_REQ_DEVLIST and for driving the capture-driver adapter's Open. The
// teacher reads this information from sysfs via cgo/libudev (see
// driver/udev.go); this package gets the same fields from
// github.com/google/gousb, following the read-attribute idiom from
// iiAku-tezsign/common/ctrl_debug.go instead.
package enumerate

import (
	"sort"

	"github.com/google/gousb"

	"github.com/MatthiasValvekens/usbipd/wire"
)

// ExportedDevice is the enumeration view of spec.md §3: a physical USB
// device as seen by the enumerator, independent of whether it is shared.
type ExportedDevice struct {
	BusId              wire.BusId
	Path               string
	Speed              uint32
	IdVendor           uint16
	IdProduct          uint16
	BcdDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	Interfaces         []wire.InterfaceDescriptor
}

// Linux usb_device_speed values (include/uapi/linux/usb/ch9.h), the same
// numbering the device record's speed field uses on the wire.
const (
	speedUnknown   = 0
	speedLow       = 1
	speedFull      = 2
	speedHigh      = 3
	speedWireless  = 4
	speedSuper     = 5
	speedSuperPlus = 6
)

func linuxSpeed(s gousb.Speed) uint32 {
	switch s {
	case gousb.SpeedLow:
		return speedLow
	case gousb.SpeedFull:
		return speedFull
	case gousb.SpeedHigh:
		return speedHigh
	case gousb.SpeedSuper:
		return speedSuper
	case gousb.SpeedSuperPlus:
		return speedSuperPlus
	default:
		return speedUnknown
	}
}

// DeviceRecord renders the enumeration view as a wire.DeviceRecord, as
// carried in OP_REP_DEVLIST and OP_REP_IMPORT.
func (e ExportedDevice) DeviceRecord() wire.DeviceRecord {
	return wire.DeviceRecord{
		Path:               e.Path,
		BusId:              e.BusId,
		BusNum:             uint32(e.BusId.Bus),
		DevNum:             uint32(e.BusId.Port),
		Speed:              e.Speed,
		IdVendor:           e.IdVendor,
		IdProduct:          e.IdProduct,
		BcdDevice:          e.BcdDevice,
		DeviceClass:        e.DeviceClass,
		DeviceSubClass:     e.DeviceSubClass,
		DeviceProtocol:     e.DeviceProtocol,
		ConfigurationValue: e.ConfigurationValue,
		NumConfigurations:  e.NumConfigurations,
		NumInterfaces:      uint8(len(e.Interfaces)),
		Interfaces:         e.Interfaces,
	}
}

// Enumerator produces the current snapshot of attachable devices. The real
// implementation is backed by gousb; tests use a fake slice-backed one, the
// same real/fake split the teacher applies to VHCIDriver.
type Enumerator interface {
	ListConnected(withDescriptions bool) ([]ExportedDevice, error)
}

// GousbEnumerator is the real Enumerator, backed by a libusb context.
type GousbEnumerator struct {
	ctx *gousb.Context
}

func NewGousbEnumerator() *GousbEnumerator {
	return &GousbEnumerator{ctx: gousb.NewContext()}
}

func (e *GousbEnumerator) Close() error {
	return e.ctx.Close()
}

// Context exposes the underlying libusb context so a capture.Adapter can
// share it rather than opening a second one.
func (e *GousbEnumerator) Context() *gousb.Context {
	return e.ctx
}

// ListConnected opens every USB device libusb can see, reads off the
// fields needed for a device record, and closes it again. Devices that
// cannot be read (permission denied, unplugged mid-scan) are silently
// dropped, per spec.md §4.C.
func (e *GousbEnumerator) ListConnected(withDescriptions bool) ([]ExportedDevice, error) {
	devs, _ := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	defer func() {
		for _, d := range devs {
			_ = d.Close()
		}
	}()

	out := make([]ExportedDevice, 0, len(devs))
	for _, d := range devs {
		dev, ok := describeDevice(d, withDescriptions)
		if !ok {
			continue
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusId.Less(out[j].BusId) })
	return out, nil
}

func describeDevice(d *gousb.Device, withDescriptions bool) (ExportedDevice, bool) {
	desc := d.Desc
	if desc == nil {
		return ExportedDevice{}, false
	}
	busId := wire.BusId{Bus: uint16(desc.Bus), Port: uint16(desc.Address)}

	cfgNum, err := d.ActiveConfigNum()
	if err != nil {
		return ExportedDevice{}, false
	}

	dev := ExportedDevice{
		BusId:              busId,
		Path:               "/sys/bus/usb/devices/" + busId.String(),
		Speed:              linuxSpeed(desc.Speed),
		IdVendor:           uint16(desc.Vendor),
		IdProduct:          uint16(desc.Product),
		BcdDevice:          uint16(desc.Device),
		DeviceClass:        uint8(desc.Class),
		DeviceSubClass:     uint8(desc.SubClass),
		DeviceProtocol:     uint8(desc.Protocol),
		ConfigurationValue: uint8(cfgNum),
		NumConfigurations:  uint8(len(desc.Configs)),
	}

	if !withDescriptions {
		return dev, true
	}
	cfg, ok := desc.Configs[cfgNum]
	if !ok {
		return dev, true
	}
	for _, iface := range cfg.Interfaces {
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
	return dev, true
}
