package fleet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports one account's fleet state. Every series carries the
// account as a constant label so accounts can share a registry.
type Metrics struct {
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Gauge
	lastSuccess  prometheus.Gauge
	devices      prometheus.Gauge
	pending      prometheus.Gauge
	writes       *prometheus.CounterVec
	online       *prometheus.GaugeVec
	battery      *prometheus.GaugeVec
	inputPower   *prometheus.GaugeVec
	outputPower  *prometheus.GaugeVec
}

func NewMetrics(account string) *Metrics {
	constLabels := prometheus.Labels{"account": account}
	deviceLabels := []string{"device_id", "device_name"}
	return &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pecronhub_poll_ticks_total",
			Help:        "Poll ticks by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		tickDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pecronhub_poll_tick_duration_seconds",
			Help:        "Duration of the last poll tick",
			ConstLabels: constLabels,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pecronhub_poll_last_success_timestamp_seconds",
			Help:        "Last successful poll tick (epoch seconds)",
			ConstLabels: constLabels,
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pecronhub_devices",
			Help:        "Devices listed for the account",
			ConstLabels: constLabels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pecronhub_pending_writes",
			Help:        "Writes waiting for confirmation",
			ConstLabels: constLabels,
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pecronhub_writes_total",
			Help:        "Property writes by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pecronhub_device_online",
			Help:        "1 when the device answered the last poll",
			ConstLabels: constLabels,
		}, deviceLabels),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pecronhub_battery_percent",
			Help:        "Battery state of charge",
			ConstLabels: constLabels,
		}, deviceLabels),
		inputPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pecronhub_input_power_watts",
			Help:        "Total input power",
			ConstLabels: constLabels,
		}, deviceLabels),
		outputPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pecronhub_output_power_watts",
			Help:        "Total output power",
			ConstLabels: constLabels,
		}, deviceLabels),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.ticks,
		m.tickDuration,
		m.lastSuccess,
		m.devices,
		m.pending,
		m.writes,
		m.online,
		m.battery,
		m.inputPower,
		m.outputPower,
	}
}

func (m *Metrics) observeTick(start time.Time, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.tickDuration.Set(took.Seconds())
	if err != nil {
		m.ticks.WithLabelValues("error").Inc()
		return
	}
	m.ticks.WithLabelValues("ok").Inc()
	m.lastSuccess.Set(float64(start.Add(took).Unix()))
}

func (m *Metrics) observeDevices(devices []Device) {
	if m == nil {
		return
	}
	m.devices.Set(float64(len(devices)))
	m.online.Reset()
	m.battery.Reset()
	m.inputPower.Reset()
	m.outputPower.Reset()
	for _, d := range devices {
		online := 0.0
		if d.Online {
			online = 1
		}
		m.online.WithLabelValues(d.ID, d.Name).Set(online)
		if v, ok := number(d.Properties[CodeBattery]); ok {
			m.battery.WithLabelValues(d.ID, d.Name).Set(v)
		}
		if v, ok := number(d.Properties[CodeInputPower]); ok {
			m.inputPower.WithLabelValues(d.ID, d.Name).Set(v)
		}
		if v, ok := number(d.Properties[CodeOutputPower]); ok {
			m.outputPower.WithLabelValues(d.ID, d.Name).Set(v)
		}
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) writeResult(result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
}
