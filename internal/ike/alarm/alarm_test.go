package alarm_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/ike/alarm"
)

func TestAlarmFires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := alarm.NewScheduler(clock)

	var fired atomic.Int32
	s.Schedule(time.Second, func() { fired.Add(1) })

	clock.Advance(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestAlarmCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := alarm.NewScheduler(clock)

	var fired atomic.Int32
	a := s.Schedule(time.Second, func() { fired.Add(1) })
	a.Cancel()
	assert.True(t, a.Cancelled())

	clock.Advance(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	var nilAlarm *alarm.Alarm
	nilAlarm.Cancel()
	assert.True(t, nilAlarm.Cancelled())
}
