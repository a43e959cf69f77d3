// SPDX-License-Identifier: GPL-2.0-only

// Package registry implements the durable binding registry (spec.md
// §4.B): the mapping from bus identifiers to "shared" status that
// survives server restarts and arbitrates single-attach exclusivity at
// runtime. Storage follows the teacher's driver/sysfs.go idiom of
// treating persistent state as a handful of small files read and written
// through narrow helpers, adapted here to a JSON record per persistent
// GUID under a configured root directory in place of sysfs attribute
// files (see SPEC_FULL.md §4.B and DESIGN.md's standard-library
// justification for this component).
package registry

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/google/uuid"

	"github.com/MatthiasValvekens/usbipd/wire"
)

// Result codes for bind/unbind/markAttached, mirroring spec.md §4.B.
type Result int

const (
	Ok Result = iota
	AlreadyShared
	NotPresent
	AccessDenied
	NotShared
	NotFound
	AlreadyAttached
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "Ok"
	case AlreadyShared:
		return "AlreadyShared"
	case NotPresent:
		return "NotPresent"
	case AccessDenied:
		return "AccessDenied"
	case NotShared:
		return "NotShared"
	case NotFound:
		return "NotFound"
	case AlreadyAttached:
		return "AlreadyAttached"
	default:
		return "Unknown"
	}
}

// SharedDevice is the persisted, durable half of spec.md §3's SharedDevice:
// {busId, persistentGuid, stubDescription, instanceId}. Attachment state is
// layered on top at read time (see Attached, below) since it is transient
// and must reset to Unattached on every server start (invariant §3.4).
type SharedDevice struct {
	BusId           wire.BusId `json:"busId"`
	PersistentGuid  string     `json:"persistentGuid"`
	StubDescription string     `json:"stubDescription"`
	InstanceId      string     `json:"instanceId"`
}

// record is the on-disk shape of a SharedDevice, one JSON file per
// PersistentGuid under the registry root.
type record struct {
	BusId           string `json:"busId"`
	PersistentGuid  string `json:"persistentGuid"`
	StubDescription string `json:"stubDescription"`
	InstanceId      string `json:"instanceId"`
}

// PresenceChecker reports whether a bus-id currently has a physically
// connected device, used by listPersisted per spec.md §4.B.
type PresenceChecker func(wire.BusId) bool

// Store is the binding registry. All mutating operations require the
// process to hold write access to root. Bind, Unbind and UnbindByGuid
// report a failed record write or removal as AccessDenied together with
// the wrapped error; UnbindAll returns the wrapped error alone.
type Store struct {
	root string

	mu       sync.Mutex
	devices  map[wire.BusId]*SharedDevice // keyed by busId for fast lookup
	byGuid   map[string]*SharedDevice
	attached map[wire.BusId]AttachmentState
}

// AttachmentState mirrors spec.md §3's AttachmentState. It is never
// persisted; Open() always starts every SharedDevice at Unattached
// (invariant §3.4).
type AttachmentState struct {
	Attached      bool
	ClientAddress string
	SessionId     string
}

// Open loads the registry from root, creating it if it does not exist.
// Every SharedDevice found is reset to Unattached, per invariant §3.4.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, mapAccessErr(err, "failed to create registry root %s", root)
	}

	s := &Store{
		root:     root,
		devices:  make(map[wire.BusId]*SharedDevice),
		byGuid:   make(map[string]*SharedDevice),
		attached: make(map[wire.BusId]AttachmentState),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list registry root %s", root)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		rec, err := readRecord(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load registry record %s", entry.Name())
		}
		busId, err := wire.ParseBusId(rec.BusId)
		if err != nil {
			return nil, errors.Wrapf(err, "registry record %s has an invalid busId", entry.Name())
		}
		dev := &SharedDevice{
			BusId:           busId,
			PersistentGuid:  rec.PersistentGuid,
			StubDescription: rec.StubDescription,
			InstanceId:      rec.InstanceId,
		}
		s.devices[busId] = dev
		s.byGuid[dev.PersistentGuid] = dev
	}
	return s, nil
}

func (s *Store) path(guid string) string {
	return filepath.Join(s.root, guid+".json")
}

// Bind asserts that busId may be imported by a remote client. Binding an
// already-shared device is a no-op returning AlreadyShared, per spec.md
// §7's idempotency policy. present is consulted the same way
// ListPersisted uses it, so binding a busId with no matching connected
// device returns NotPresent rather than silently succeeding.
func (s *Store) Bind(busId wire.BusId, description string, present PresenceChecker) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[busId]; exists {
		return AlreadyShared, nil
	}
	if present != nil && !present(busId) {
		return NotPresent, nil
	}

	dev := &SharedDevice{
		BusId:           busId,
		PersistentGuid:  uuid.NewString(),
		StubDescription: description,
		InstanceId:      busId.String(),
	}
	if err := s.writeRecord(dev); err != nil {
		return AccessDenied, err
	}
	s.devices[busId] = dev
	s.byGuid[dev.PersistentGuid] = dev
	return Ok, nil
}

// Unbind removes the SharedDevice bound to busId.
func (s *Store) Unbind(busId wire.BusId) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, exists := s.devices[busId]
	if !exists {
		return NotShared, nil
	}
	if err := s.removeRecord(dev); err != nil {
		return AccessDenied, err
	}
	delete(s.devices, busId)
	delete(s.byGuid, dev.PersistentGuid)
	delete(s.attached, busId)
	return Ok, nil
}

// UnbindByGuid removes the SharedDevice with the given persistent GUID.
func (s *Store) UnbindByGuid(guid string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, exists := s.byGuid[guid]
	if !exists {
		return NotFound, nil
	}
	if err := s.removeRecord(dev); err != nil {
		return AccessDenied, err
	}
	delete(s.devices, dev.BusId)
	delete(s.byGuid, guid)
	delete(s.attached, dev.BusId)
	return Ok, nil
}

// UnbindAll removes every SharedDevice.
func (s *Store) UnbindAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dev := range s.devices {
		if err := s.removeRecord(dev); err != nil {
			return err
		}
	}
	s.devices = make(map[wire.BusId]*SharedDevice)
	s.byGuid = make(map[string]*SharedDevice)
	s.attached = make(map[wire.BusId]AttachmentState)
	return nil
}

// MarkAttached atomically transitions busId to Attached, failing if it is
// not shared or already attached. Atomicity relative to concurrent
// MarkAttached/MarkDetached calls for the same bus-id (spec.md §4.B) is
// provided by s.mu, which every registry method holds for its duration.
func (s *Store) MarkAttached(busId wire.BusId, clientAddr, sessionId string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, shared := s.devices[busId]; !shared {
		return NotShared, nil
	}
	if state, ok := s.attached[busId]; ok && state.Attached {
		return AlreadyAttached, nil
	}
	s.attached[busId] = AttachmentState{Attached: true, ClientAddress: clientAddr, SessionId: sessionId}
	return Ok, nil
}

// MarkDetached returns busId to Unattached. It is a no-op if busId was not
// attached, matching the idempotent-cancellation requirement of spec.md §7.
func (s *Store) MarkDetached(busId wire.BusId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, busId)
}

// IsShared reports whether busId currently has a SharedDevice.
func (s *Store) IsShared(busId wire.BusId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[busId]
	return ok
}

// IsAttached reports the current AttachmentState for busId.
func (s *Store) IsAttached(busId wire.BusId) AttachmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[busId]
}

// ListShared returns every SharedDevice, stable-sorted by BusId.
func (s *Store) ListShared() []SharedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SharedDevice, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusId.Less(out[j].BusId) })
	return out
}

// ListPersisted returns SharedDevices whose bus-id has no matching
// connected device, per spec.md §4.B.
func (s *Store) ListPersisted(present PresenceChecker) []SharedDevice {
	all := s.ListShared()
	out := make([]SharedDevice, 0, len(all))
	for _, dev := range all {
		if !present(dev.BusId) {
			out = append(out, dev)
		}
	}
	return out
}

func (s *Store) writeRecord(dev *SharedDevice) error {
	rec := record{
		BusId:           dev.BusId.String(),
		PersistentGuid:  dev.PersistentGuid,
		StubDescription: dev.StubDescription,
		InstanceId:      dev.InstanceId,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal registry record")
	}

	final := s.path(dev.PersistentGuid)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return mapAccessErr(err, "failed to write registry record %s", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return mapAccessErr(err, "failed to commit registry record %s", final)
	}
	return nil
}

func (s *Store) removeRecord(dev *SharedDevice) error {
	if err := os.Remove(s.path(dev.PersistentGuid)); err != nil && !os.IsNotExist(err) {
		return mapAccessErr(err, "failed to remove registry record for %s", dev.BusId)
	}
	return nil
}

func readRecord(path string) (record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, errors.Wrap(err, "malformed registry record")
	}
	return rec, nil
}

// mapAccessErr wraps err, marking permission failures distinctly so
// callers that need to report AccessDenied (rather than a generic write
// failure) can tell the two apart via errors.Is(err, os.ErrPermission).
func mapAccessErr(err error, format string, args ...interface{}) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, fs.ErrPermission) {
		return errors.Wrapf(err, "access denied: "+format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
