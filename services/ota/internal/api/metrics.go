package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"otad/services/ota/internal/fleet"
)

type metrics struct {
	publishes  *prometheus.CounterVec
	downloads  prometheus.Counter
	heartbeats *prometheus.CounterVec
	intents    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, registry *fleet.Registry) (*metrics, error) {
	m := &metrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otad_firmware_publishes_total",
			Help: "Firmware publish attempts by outcome.",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otad_firmware_downloads_total",
			Help: "Firmware downloads served.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otad_device_heartbeats_total",
			Help: "Device heartbeats by outcome.",
		}, []string{"outcome"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otad_intents_delivered_total",
			Help: "One-shot intents delivered via heartbeat, by kind.",
		}, []string{"kind"}),
	}

	online := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "otad_devices_online",
		Help: "Devices currently marked online.",
	}, func() float64 { return float64(registry.OnlineCount()) })

	for _, c := range []prometheus.Collector{m.publishes, m.downloads, m.heartbeats, m.intents, online} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
