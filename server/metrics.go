// SPDX-License-Identifier: GPL-2.0-only

package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the naming style of deviceplugin/server.go's
// usbip_device_plugin_* gauges/counters, generalized to this server's
// domain (spec.md §4.I).
type Metrics struct {
	SharedDevices    prometheus.Gauge
	AttachedSessions prometheus.Gauge
	InflightURBs     prometheus.Gauge
	URBsTotal        *prometheus.CounterVec
	CaptureDropped   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SharedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_shared_devices",
			Help: "The number of devices currently bound in the registry.",
		}),
		AttachedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_attached_sessions",
			Help: "The number of devices currently attached to a remote client.",
		}),
		InflightURBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_inflight_urbs",
			Help: "The number of URBs currently submitted to the capture driver and awaiting completion.",
		}),
		URBsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipd_urbs_total",
			Help: "The total number of completed URBs, by USB status.",
		}, []string{"status"}),
		CaptureDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbipd_capture_dropped_total",
			Help: "The total number of capture-sink packets dropped due to a full queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SharedDevices, m.AttachedSessions, m.InflightURBs, m.URBsTotal, m.CaptureDropped)
	}
	return m
}
