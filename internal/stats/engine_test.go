package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEngineRecordTask(t *testing.T) {
	e := NewEngine()

	e.RecordTask("compute", 100*time.Millisecond, true)
	e.RecordTask("compute", 200*time.Millisecond, true)
	e.RecordTask("compute", 300*time.Millisecond, false)

	snap := e.Snapshot()
	assert.EqualValues(t, 3, snap.TotalTasks)
	assert.EqualValues(t, 2, snap.SuccessTasks)
	assert.EqualValues(t, 1, snap.FailedTasks)
	assert.InDelta(t, 1.0/3.0, snap.ErrorRate, 0.001)
	assert.EqualValues(t, 3, snap.Latency.Count)

	// 3 sig figs, so allow some histogram quantization error.
	assert.InDelta(t, float64(200*time.Millisecond), float64(snap.Latency.Mean), float64(time.Millisecond))
}

func TestEnginePerTaskStats(t *testing.T) {
	e := NewEngine()

	e.RecordTask("light", 10*time.Millisecond, true)
	e.RecordTask("heavy", 2*time.Second, true)
	e.RecordTask("heavy", 3*time.Second, true)

	perTask := e.TaskStats()
	assert.Len(t, perTask, 2)
	assert.EqualValues(t, 1, perTask["light"].Count)
	assert.EqualValues(t, 2, perTask["heavy"].Count)
	assert.Greater(t, perTask["heavy"].Mean, perTask["light"].Mean)
}

func TestEngineActiveDeviceGauge(t *testing.T) {
	e := NewEngine()

	e.DeviceStarted()
	e.DeviceStarted()
	assert.Equal(t, 2, e.ActiveDevices())

	e.DeviceStopped()
	assert.Equal(t, 1, e.ActiveDevices())
}

func TestEngineConcurrentRecording(t *testing.T) {
	e := NewEngine()

	const workers = 50
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e.RecordTask("stress", time.Millisecond, i%10 != 0)
			}
		}()
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.EqualValues(t, workers*perWorker, snap.TotalTasks)
	assert.EqualValues(t, workers*perWorker/10, snap.FailedTasks)
	assert.EqualValues(t, workers*perWorker, snap.Latency.Count)
}

func TestEngineReset(t *testing.T) {
	e := NewEngine()

	e.RecordTask("compute", time.Second, true)
	e.DeviceStarted()
	e.Reset()

	snap := e.Snapshot()
	assert.EqualValues(t, 0, snap.TotalTasks)
	assert.Equal(t, 0, snap.ActiveDevices)
	assert.Empty(t, e.TaskStats())
}
