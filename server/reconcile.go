// SPDX-License-Identifier: GPL-2.0-only

package server

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbipd/wire"
)

// DefaultReconcileInterval is the default period between presence sweeps,
// per SPEC_FULL.md §9.
const DefaultReconcileInterval = 10 * time.Second

// RunReconciler returns a (execute, interrupt) pair shaped for
// run.Group.Add, generalized from the teacher's device-plugin refresh
// job (deviceplugin's periodic re-list of available devices) into a
// presence sweep over shared devices: any SharedDevice that is Attached
// but whose physical device has vanished gets its session cancelled,
// tripping the same shutdown protocol as a capture-driver surprise
// removal (spec.md §7).
func (s *Server) RunReconciler(ctx context.Context, interval time.Duration) (func() error, func(error)) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ctx, cancel := context.WithCancel(ctx)

	return func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.reconcileOnce()
				case <-ctx.Done():
					return nil
				}
			}
		}, func(error) {
			cancel()
		}
}

// reconcileOnce lists currently connected devices and cancels the
// session of any shared device that is marked Attached but is no longer
// present on the bus.
func (s *Server) reconcileOnce() {
	connected, err := s.enumerator.ListConnected(false)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "reconciliation sweep failed to enumerate devices", "err", err)
		return
	}

	present := make(map[wire.BusId]struct{}, len(connected))
	for _, dev := range connected {
		present[dev.BusId] = struct{}{}
	}

	for _, shared := range s.registry.ListShared() {
		state := s.registry.IsAttached(shared.BusId)
		if !state.Attached {
			continue
		}
		if _, ok := present[shared.BusId]; ok {
			continue
		}
		_ = level.Warn(s.logger).Log("msg", "device vanished while attached; cancelling session", "busId", shared.BusId)
		s.cancelSession(shared.BusId)
	}
}
