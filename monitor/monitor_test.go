package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginFinishRestoresCounters(t *testing.T) {
	m := New()

	ctx, finish, err := m.Begin(context.Background(), KindRead)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.EqualValues(t, 1, m.Active(KindRead))
	assert.EqualValues(t, 1, m.ActiveTotal())

	finish()
	assert.EqualValues(t, 0, m.ActiveTotal())
	assert.Error(t, ctx.Err(), "finish cancels the operation context")

	// Finish is idempotent.
	finish()
	assert.EqualValues(t, 0, m.ActiveTotal())
}

func TestSemaphoreExhaustionRejects(t *testing.T) {
	m := New(func(o *Options) { o.MaxConcurrent = 2 })

	_, f1, err := m.Begin(context.Background(), KindRead)
	require.NoError(t, err)
	_, f2, err := m.Begin(context.Background(), KindSearch)
	require.NoError(t, err)

	_, _, err = m.Begin(context.Background(), KindRead)
	assert.ErrorIs(t, err, ErrBusy)

	f1()
	_, f3, err := m.Begin(context.Background(), KindRead)
	require.NoError(t, err)
	f2()
	f3()
}

func TestWatchdogCancelsContext(t *testing.T) {
	m := New(func(o *Options) {
		o.Timeouts = map[Kind]time.Duration{KindRead: 20 * time.Millisecond}
	})

	ctx, finish, err := m.Begin(context.Background(), KindRead)
	require.NoError(t, err)
	defer finish()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not cancel the operation context")
	}
	assert.EqualValues(t, 1, m.WatchdogFirings())

	// Counters still restore after a timed-out operation.
	finish()
	assert.EqualValues(t, 0, m.ActiveTotal())
}

func TestAdmissionPolicyPerLevel(t *testing.T) {
	m := New()

	begin := func(k Kind) error {
		_, finish, err := m.Begin(context.Background(), k)
		if err == nil {
			finish()
		}
		return err
	}

	m.SetLevel(LevelHeavy)
	assert.NoError(t, begin(KindRead))
	assert.NoError(t, begin(KindWrite))
	assert.ErrorIs(t, begin(KindSearch), ErrBusy)

	m.SetLevel(LevelReadOnly)
	assert.NoError(t, begin(KindRead))
	assert.ErrorIs(t, begin(KindWrite), ErrReadOnlyMode)
	assert.ErrorIs(t, begin(KindSearch), ErrBusy)

	m.SetLevel(LevelEmergency)
	assert.ErrorIs(t, begin(KindRead), ErrEmergency)
	assert.ErrorIs(t, begin(KindWrite), ErrEmergency)
	assert.NoError(t, begin(KindMaintenance))

	m.SetLevel(LevelNormal)
	assert.NoError(t, begin(KindSearch))
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	m := New(func(o *Options) {
		o.RateLimit = 1
		o.RateBurst = 1
	})

	_, finish, err := m.Begin(context.Background(), KindRead)
	require.NoError(t, err)
	finish()

	_, _, err = m.Begin(context.Background(), KindRead)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestLevelForPressure(t *testing.T) {
	cases := []struct {
		pressure float64
		want     Level
	}{
		{0.0, LevelNormal},
		{0.49, LevelNormal},
		{0.50, LevelLight},
		{0.64, LevelLight},
		{0.65, LevelModerate},
		{0.80, LevelHeavy},
		{0.90, LevelReadOnly},
		{0.95, LevelEmergency},
		{2.0, LevelEmergency},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelForPressure(tc.pressure), "pressure %.2f", tc.pressure)
	}
}

func TestLevelChangeCallback(t *testing.T) {
	var transitions []Level
	m := New(func(o *Options) {
		o.OnLevelChange = func(_, next Level) { transitions = append(transitions, next) }
	})

	m.SetLevel(LevelLight)
	m.SetLevel(LevelLight) // no change, no callback
	m.SetLevel(LevelNormal)
	assert.Equal(t, []Level{LevelLight, LevelNormal}, transitions)
}

func TestStartStop(t *testing.T) {
	m := New(func(o *Options) { o.SampleInterval = 5 * time.Millisecond })
	m.Start()
	time.Sleep(25 * time.Millisecond)
	m.Stop()

	// The sampler has exited; an idle process sits at normal level.
	assert.Equal(t, LevelNormal, m.Level())
}

func TestLevelStrings(t *testing.T) {
	assert.Equal(t, "normal", LevelNormal.String())
	assert.Equal(t, "read-only", LevelReadOnly.String())
	assert.Equal(t, "emergency", LevelEmergency.String())
	assert.Equal(t, "search", KindSearch.String())
}
