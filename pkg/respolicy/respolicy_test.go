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

package respolicy

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNominal(t *testing.T) {
	assert.Equal(t, PressureNominal, Classify(Reading{CPUPercent: 10, MemPercent: 20}))
}

func TestClassifyElevatedByMemory(t *testing.T) {
	assert.Equal(t, PressureElevated, Classify(Reading{CPUPercent: 5, MemPercent: 65}))
}

func TestClassifyElevatedByCPU(t *testing.T) {
	assert.Equal(t, PressureElevated, Classify(Reading{CPUPercent: 75, MemPercent: 10}))
}

func TestClassifyCriticalByMemory(t *testing.T) {
	assert.Equal(t, PressureCritical, Classify(Reading{CPUPercent: 5, MemPercent: 85}))
}

func TestClassifyOOMImminent(t *testing.T) {
	assert.Equal(t, PressureOOMImminent, Classify(Reading{CPUPercent: 5, MemPercent: 95}))
}

func TestWorkerBudgetNominalUsesFullTarget(t *testing.T) {
	budget := WorkerBudget(ModeAuto, 8, PressureNominal)
	assert.Equal(t, 6, budget) // floor(8 * 0.75)
}

func TestWorkerBudgetElevatedHalves(t *testing.T) {
	budget := WorkerBudget(ModeAuto, 8, PressureElevated)
	assert.Equal(t, 3, budget) // floor(8 * 0.75 * 0.5)
}

func TestWorkerBudgetCriticalIsSingleWorker(t *testing.T) {
	assert.Equal(t, 1, WorkerBudget(ModeAuto, 16, PressureCritical))
	assert.Equal(t, 1, WorkerBudget(ModeAggressive, 64, PressureOOMImminent))
}

func TestWorkerBudgetNeverExceedsCores(t *testing.T) {
	assert.LessOrEqual(t, WorkerBudget(ModeAggressive, 2, PressureNominal), 2)
}

func TestWorkerBudgetNeverZero(t *testing.T) {
	assert.GreaterOrEqual(t, WorkerBudget(ModeConservative, 1, PressureElevated), 1)
}

type fakeSampler struct {
	reading Reading
	err     error
}

func (f fakeSampler) Sample() (Reading, error) { return f.reading, f.err }

func TestMonitorSamplePublishesMetrics(t *testing.T) {
	mon := New(ModeAuto, fakeSampler{reading: Reading{CPUPercent: 50, MemPercent: 50, Cores: 4}})
	reading, pressure, budget, err := mon.Sample()
	require.NoError(t, err)
	assert.Equal(t, PressureNominal, pressure)
	assert.Equal(t, 3, budget) // floor(4 * 0.75)
	assert.Equal(t, 4, reading.Cores)

	assert.InDelta(t, 50.0, testGaugeValue(t, mon.Metrics.CPUPercent), 0.001)
}

func testGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
