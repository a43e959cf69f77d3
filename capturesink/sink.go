// SPDX-License-Identifier: GPL-2.0-only

package capturesink

import (
	"bufio"
	"os"
	"sync"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbipd/wire"
)

// Packet is the tuple spec.md §4.H describes: one row per submitted or
// returned URB.
type Packet struct {
	Direction          uint8 // wire.DirOut or wire.DirIn
	Endpoint           uint8
	Setup              *[8]byte
	Payload            []byte
	Status             wire.USBStatus
	Seqnum             uint32
	TimestampHundredNs uint64
}

// Sink is the bounded, lossy capture queue and its single writer. Submit
// never blocks: if the queue is full the packet is dropped and
// DroppedCount is incremented, per spec.md §4.H and §9.
type Sink struct {
	queue   chan Packet
	dropped atomic.Uint64
	written atomic.Uint64
	done    chan struct{}
	logger  log.Logger

	closeOnce sync.Once
}

// Open creates (or truncates) path and starts the writer goroutine.
// queueDepth bounds the number of packets buffered before Submit starts
// dropping.
func Open(path string, queueDepth int, logger log.Logger) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create capture file %s", path)
	}

	s := &Sink{
		queue:  make(chan Packet, queueDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.run(f)
	return s, nil
}

// Submit enqueues a packet for writing, dropping it silently (but
// counted) if the queue is full.
func (s *Sink) Submit(p Packet) {
	select {
	case s.queue <- p:
	default:
		s.dropped.Add(1)
	}
}

// DroppedCount reports how many packets have been dropped so far.
func (s *Sink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close stops accepting new packets, drains the queue, writes the
// closing Interface Statistics Block, and closes the underlying file.
// Calls after the first return nil without doing anything.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
	return nil
}

func (s *Sink) run(f *os.File) {
	defer close(s.done)
	w := bufio.NewWriter(f)
	defer f.Close()

	if err := writeSectionHeader(w); err != nil {
		level.Error(s.logger).Log("msg", "failed to write capture section header", "err", err)
		return
	}
	if err := writeInterfaceDescription(w); err != nil {
		level.Error(s.logger).Log("msg", "failed to write capture interface description", "err", err)
		return
	}

	var lastTimestamp uint64
	for p := range s.queue {
		payload := encodePacket(p)
		if err := writeEnhancedPacket(w, p.TimestampHundredNs, payload); err != nil {
			level.Error(s.logger).Log("msg", "failed to write capture packet", "err", err)
			continue
		}
		s.written.Add(1)
		lastTimestamp = p.TimestampHundredNs
	}

	if err := writeInterfaceStatistics(w, lastTimestamp, s.written.Load(), s.dropped.Load()); err != nil {
		level.Error(s.logger).Log("msg", "failed to write capture interface statistics", "err", err)
	}
	if err := w.Flush(); err != nil {
		level.Error(s.logger).Log("msg", "failed to flush capture file", "err", err)
	}
}

// encodePacket renders a Packet into the raw bytes captured in the
// Enhanced Packet Block: an optional 8-byte setup packet followed by
// the transfer payload, matching LINKTYPE_USB_LINUX_MMAPPED's
// convention of carrying setup data inline ahead of the I/O buffer.
func encodePacket(p Packet) []byte {
	if p.Setup == nil {
		return p.Payload
	}
	out := make([]byte, 8+len(p.Payload))
	copy(out, p.Setup[:])
	copy(out[8:], p.Payload)
	return out
}
