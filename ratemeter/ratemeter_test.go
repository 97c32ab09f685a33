package ratemeter

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestRateApproximatesUniformLoad(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	m := NewWithClock(Config{Window: 10 * time.Second}, mock)

	// 1000 bytes/sec for 10 seconds.
	for i := 0; i < 10; i++ {
		m.Add(1000)
		mock.Add(time.Second)
	}

	rate := m.Rate()
	require.InEpsilon(1000, rate, 0.10)
}

func TestRateEvictsOldSamples(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	m := NewWithClock(Config{Window: 5 * time.Second}, mock)

	m.Add(5000)
	mock.Add(10 * time.Second) // well past the window

	require.Equal(float64(0), m.Rate())
}

func TestRateZeroWithNoSamples(t *testing.T) {
	m := New()
	require.Equal(t, float64(0), m.Rate())
}
