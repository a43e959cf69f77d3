// SPDX-License-Identifier: GPL-2.0-only

package enumerate

// FakeEnumerator is a pure-Go Enumerator for tests that never touches
// libusb, mirroring the real/fake split the teacher applies to
// VHCIDriver (see driver/sysfs_test.go's fstest.MapFS fake filesystem).
type FakeEnumerator struct {
	Devices []ExportedDevice
}

func (f *FakeEnumerator) ListConnected(withDescriptions bool) ([]ExportedDevice, error) {
	out := make([]ExportedDevice, len(f.Devices))
	for i, dev := range f.Devices {
		if !withDescriptions {
			dev.Interfaces = nil
		}
		out[i] = dev
	}
	return out, nil
}
