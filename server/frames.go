// SPDX-License-Identifier: GPL-2.0-only

package server

import (
	"io"

	"github.com/MatthiasValvekens/usbipd/wire"
)

// outboundFrame is anything the writer goroutine can put on the wire.
// The writer is the single consumer of the session's bounded completion
// queue (spec.md §4.F.3), so frame writes never interleave.
type outboundFrame interface {
	writeTo(w io.Writer) error
}

type retSubmitFrame struct {
	hdr     wire.RetSubmit
	payload []byte
	iso     []wire.IsoPacketDescriptor
}

func (f retSubmitFrame) writeTo(w io.Writer) error {
	if err := f.hdr.Write(w); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	for _, d := range f.iso {
		if err := d.Write(w); err != nil {
			return err
		}
	}
	return nil
}

type retUnlinkFrame struct {
	hdr wire.RetUnlink
}

func (f retUnlinkFrame) writeTo(w io.Writer) error {
	return f.hdr.Write(w)
}
