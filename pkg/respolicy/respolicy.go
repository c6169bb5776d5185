// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package respolicy adapts background worker concurrency to memory/CPU
// pressure (spec C11). It gates background index rebuilds only; request-path
// reads are never throttled by this package.
package respolicy

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Pressure classifies the host's current resource headroom.
type Pressure string

const (
	PressureNominal     Pressure = "nominal"
	PressureElevated    Pressure = "elevated"
	PressureCritical    Pressure = "critical"
	PressureOOMImminent Pressure = "oom_imminent"
)

// Mode adjusts the target utilization fraction applied before the pressure
// mapping (spec §4.11 "modes auto | conservative | aggressive").
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeConservative Mode = "conservative"
	ModeAggressive   Mode = "aggressive"
)

// targetUtilization is the fraction of total cores a mode budgets for
// background work before pressure is applied.
func (m Mode) targetUtilization() float64 {
	switch m {
	case ModeConservative:
		return 0.5
	case ModeAggressive:
		return 0.9
	default: // ModeAuto and unrecognized values fall back to the balanced default.
		return 0.75
	}
}

// Thresholds above which a sample is classified at each pressure level.
// Memory is checked first: an imminent-OOM host is critical regardless of
// CPU headroom.
const (
	oomMemPercent      = 92.0
	criticalMemPercent = 80.0
	elevatedMemPercent = 60.0
	criticalCPUPercent = 90.0
	elevatedCPUPercent = 70.0
)

// Reading is one sample of host resource state.
type Reading struct {
	CPUPercent float64
	MemPercent float64
	LoadAvg1   float64
	Cores      int
}

// Classify maps a Reading to a Pressure level (spec §4.11).
func Classify(r Reading) Pressure {
	switch {
	case r.MemPercent >= oomMemPercent:
		return PressureOOMImminent
	case r.MemPercent >= criticalMemPercent || r.CPUPercent >= criticalCPUPercent:
		return PressureCritical
	case r.MemPercent >= elevatedMemPercent || r.CPUPercent >= elevatedCPUPercent:
		return PressureElevated
	default:
		return PressureNominal
	}
}

// pressureFraction is the multiplier applied to a mode's target utilization
// once pressure is known (spec §4.11: "nominal → full; elevated → 50%;
// critical or oom_imminent → 1").
func pressureFraction(p Pressure) (fraction float64, forceSingleWorker bool) {
	switch p {
	case PressureElevated:
		return 0.5, false
	case PressureCritical, PressureOOMImminent:
		return 0, true
	default:
		return 1.0, false
	}
}

// WorkerBudget returns the number of background workers mode should run
// given pressure and the host's total core count. The result is always
// at least 1.
func WorkerBudget(mode Mode, cores int, pressure Pressure) int {
	if cores < 1 {
		cores = 1
	}
	fraction, forceSingle := pressureFraction(pressure)
	if forceSingle {
		return 1
	}
	budget := int(float64(cores) * mode.targetUtilization() * fraction)
	if budget < 1 {
		budget = 1
	}
	if budget > cores {
		budget = cores
	}
	return budget
}

// Metrics holds the Prometheus gauges published by a Monitor. Each Monitor
// owns its own registry, following the per-instance-registry convention in
// pkg/querycache.
type Metrics struct {
	Registry     *prometheus.Registry
	Pressure     *prometheus.GaugeVec
	WorkerBudget prometheus.Gauge
	CPUPercent   prometheus.Gauge
	MemPercent   prometheus.Gauge
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Pressure: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kstore_resource_pressure",
			Help: "1 if the host is currently classified at the labeled pressure level, else 0.",
		}, []string{"level"}),
		WorkerBudget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kstore_background_worker_budget",
			Help: "Current background worker budget derived from resource pressure.",
		}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kstore_resource_cpu_percent",
			Help: "Most recently sampled CPU utilization percentage.",
		}),
		MemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kstore_resource_mem_percent",
			Help: "Most recently sampled memory utilization percentage.",
		}),
	}
}

// Sampler reads the current host resource state. Declared as an interface so
// tests can substitute synthetic readings without touching the real host.
type Sampler interface {
	Sample() (Reading, error)
}

// GopsutilSampler samples CPU, memory, and load average via gopsutil/v3.
type GopsutilSampler struct{}

// Sample implements Sampler using gopsutil (spec §4.11: "samples CPU cores,
// memory, and load average").
func (GopsutilSampler) Sample() (Reading, error) {
	r := Reading{Cores: runtime.NumCPU()}

	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemPercent = vm.UsedPercent
	}

	if times, err := cpu.Percent(0, false); err == nil && len(times) > 0 {
		r.CPUPercent = times[0]
	}

	if avg, err := load.Avg(); err == nil {
		r.LoadAvg1 = avg.Load1
	}

	return r, nil
}

// Monitor periodically samples host resource state and derives a worker
// budget for a given Mode, publishing both as Prometheus gauges.
type Monitor struct {
	sampler Sampler
	mode    Mode
	Metrics *Metrics
}

// New constructs a Monitor. sampler defaults to GopsutilSampler{} if nil.
func New(mode Mode, sampler Sampler) *Monitor {
	if sampler == nil {
		sampler = GopsutilSampler{}
	}
	return &Monitor{sampler: sampler, mode: mode, Metrics: newMetrics()}
}

// Sample reads the current host state, classifies its pressure, derives the
// worker budget for the monitor's mode, records both to Prometheus, and
// returns them.
func (m *Monitor) Sample() (Reading, Pressure, int, error) {
	reading, err := m.sampler.Sample()
	if err != nil {
		return Reading{}, PressureNominal, 1, err
	}

	pressure := Classify(reading)
	budget := WorkerBudget(m.mode, reading.Cores, pressure)

	m.Metrics.CPUPercent.Set(reading.CPUPercent)
	m.Metrics.MemPercent.Set(reading.MemPercent)
	m.Metrics.WorkerBudget.Set(float64(budget))
	for _, level := range []Pressure{PressureNominal, PressureElevated, PressureCritical, PressureOOMImminent} {
		v := 0.0
		if level == pressure {
			v = 1.0
		}
		m.Metrics.Pressure.WithLabelValues(string(level)).Set(v)
	}

	return reading, pressure, budget, nil
}
