package kv

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJanitor_SweepsUntilStopped(t *testing.T) {
	var sweeps atomic.Int64
	logs := &logRecorder{}

	j := StartJanitor(5*time.Millisecond, func(ctx context.Context) (int64, error) {
		if sweeps.Add(1) == 1 {
			return 0, errors.New("database is locked")
		}
		return 2, nil
	}, logs.log)

	assert.Eventually(t, func() bool { return sweeps.Load() >= 3 }, time.Second, 5*time.Millisecond)
	j.Stop()
	j.Stop()

	stopped := sweeps.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, sweeps.Load())
	assert.True(t, logs.has("Expired entry sweep failed"))
	assert.True(t, logs.has("Swept expired entries"))
}

func TestJanitor_NilStop(t *testing.T) {
	var j *Janitor
	assert.NotPanics(t, j.Stop)
}
