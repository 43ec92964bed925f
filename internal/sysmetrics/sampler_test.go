package sysmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleHost(t *testing.T) {
	s := NewSampler(t.TempDir())
	s.CPUWindow = 50 * time.Millisecond

	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	for _, v := range []float64{snap.CPUPercent, snap.MemoryPercent, snap.DiskPercent} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestSampleFeedsAlerting(t *testing.T) {
	s := NewSampler("")
	assert.Equal(t, "/", s.DiskPath)
	s.cpuPercent = func(context.Context, time.Duration) (float64, error) { return 97, nil }
	s.memPercent = func(context.Context) (float64, error) { return 90, nil }
	s.diskPercent = func(context.Context, string) (float64, error) { return 40, nil }

	snap, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alerting.SystemMetrics{CPUPercent: 97, MemoryPercent: 90, DiskPercent: 40}, snap.Metrics())
}

func TestSampleWrapsErrors(t *testing.T) {
	s := NewSampler("/data")
	s.cpuPercent = func(context.Context, time.Duration) (float64, error) { return 10, nil }
	s.memPercent = func(context.Context) (float64, error) { return 10, nil }
	boom := errors.New("statfs failed")
	s.diskPercent = func(context.Context, string) (float64, error) { return 0, boom }

	_, err := s.Sample(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "/data")
}
