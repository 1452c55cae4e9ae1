package budget

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub012/pkg/gate"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBudgetExhaustsAfterBase(t *testing.T) {
	tr := NewTracker()
	var reasons []gate.Reason

	for i := 0; i < 4; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		tr.Do("k", 3, func(s *GateState) {
			d := gate.Decide(gate.DefaultPolicy(), gate.Input{Confidence: 1, BudgetRemaining: s.Budget.Remaining(), Now: now})
			reasons = append(reasons, d.Reason)
			if d.Allow {
				s.Commit(now)
				return
			}
			s.RecordDeny(d.Reason, now, d.SilenceUntil)
		})
	}

	assert.Equal(t, []gate.Reason{gate.ReasonOK, gate.ReasonOK, gate.ReasonOK, gate.ReasonBudgetExhausted}, reasons)
	st := tr.Status("k")
	assert.Equal(t, int64(0), st.BudgetRemaining)
	assert.False(t, st.Unbounded)
	assert.Equal(t, gate.ReasonBudgetExhausted, st.LastDenyReason)
}

func TestStatusUnknownKeyIsUnbounded(t *testing.T) {
	st := NewTracker().Status("nobody")
	assert.Equal(t, Unbounded, st.BudgetRemaining)
	assert.True(t, st.Unbounded)
	assert.Nil(t, st.SilenceUntil)
}

func TestBaseLatestWins(t *testing.T) {
	tr := NewTracker()
	tr.Do("k", 1, func(s *GateState) { s.Commit(t0) })
	assert.Equal(t, int64(0), tr.Status("k").BudgetRemaining)

	tr.Do("k", 5, func(*GateState) {})
	assert.Equal(t, int64(4), tr.Status("k").BudgetRemaining)
	assert.Equal(t, int64(5), tr.Status("other").BudgetRemaining)

	tr.SetDefaultBase(Unbounded)
	assert.True(t, tr.Status("other").Unbounded)
}

func TestStatusAtUsesGivenBase(t *testing.T) {
	tr := NewTracker()
	tr.Do("k", 1, func(s *GateState) { s.Commit(t0) })

	assert.Equal(t, int64(0), tr.Status("k").BudgetRemaining)
	assert.Equal(t, int64(2), tr.StatusAt("k", 3).BudgetRemaining)
	assert.True(t, tr.StatusAt("k", Unbounded).Unbounded)
	assert.Equal(t, int64(7), tr.StatusAt("fresh", 7).BudgetRemaining)
	// stored state keeps the base it last ran under
	assert.Equal(t, int64(0), tr.Status("k").BudgetRemaining)
}

func TestRecordDenyOnlyExtendsSilence(t *testing.T) {
	tr := NewTracker()
	long := t0.Add(5 * time.Minute)
	short := t0.Add(30 * time.Second)

	tr.Do("k", Unbounded, func(s *GateState) {
		s.RecordDeny(gate.ReasonLowConfidence, t0, &long)
		s.RecordDeny(gate.ReasonLowConfidence, t0, &short)
		assert.True(t, s.Silenced(t0.Add(time.Minute)))
		assert.False(t, s.Silenced(long))
	})
	st := tr.Status("k")
	require.NotNil(t, st.SilenceUntil)
	assert.Equal(t, long, *st.SilenceUntil)
}

func TestWindowPrunesOldEntries(t *testing.T) {
	tr := NewTracker()
	tr.Do("k", Unbounded, func(s *GateState) {
		s.Commit(t0)
		s.Commit(t0.Add(30 * time.Second))
		assert.Equal(t, 2, s.WindowCount(t0.Add(45*time.Second)))
		assert.Equal(t, 1, s.WindowCount(t0.Add(61*time.Second)))
		assert.Equal(t, 0, s.WindowCount(t0.Add(2*time.Minute)))
	})
}

func TestWindowIsBounded(t *testing.T) {
	var s GateState
	for i := 0; i < maxWindowEntries+10; i++ {
		s.Commit(t0)
	}
	assert.Len(t, s.SpokenTimestamps, maxWindowEntries)
	assert.Equal(t, int64(maxWindowEntries+10), s.Budget.Used)
}

func TestOverCap(t *testing.T) {
	assert.False(t, OverCap(100, 0))
	assert.False(t, OverCap(1, 2))
	assert.True(t, OverCap(2, 2))
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Do("shared", 10, func(s *GateState) {
				if s.Budget.Remaining() > 0 {
					s.Commit(t0)
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, int64(0), tr.Status("shared").BudgetRemaining)
}

func TestCheckpointRoundTrip(t *testing.T) {
	tr := NewTracker()
	until := t0.Add(time.Minute)
	tr.Do("a", 3, func(s *GateState) { s.Commit(t0) })
	tr.Do("b", 3, func(s *GateState) { s.RecordDeny(gate.ReasonLowConfidence, t0, &until) })

	path := filepath.Join(t.TempDir(), "state", "gates.json")
	require.NoError(t, tr.SaveFile(path, t0))

	restored := NewTracker()
	n, err := restored.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, restored.Keys())
	assert.Equal(t, int64(2), restored.Status("a").BudgetRemaining)
	assert.Equal(t, gate.ReasonLowConfidence, restored.Status("b").LastDenyReason)
}

func TestLoadMissingCheckpoint(t *testing.T) {
	n, err := NewTracker().LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestoreRejectsIncompatibleVersion(t *testing.T) {
	_, err := NewTracker().Restore(strings.NewReader(`{"schema_version":"2.1.0","states":[]}`))
	require.ErrorIs(t, err, ErrIncompatibleCheckpoint)

	_, err = NewTracker().Restore(strings.NewReader(`{"schema_version":"banana","states":[]}`))
	require.ErrorIs(t, err, ErrIncompatibleCheckpoint)
}

func TestCheckpointWritesVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTracker().Checkpoint(&buf, t0))
	assert.Contains(t, buf.String(), `"schema_version": "1.0.0"`)
}
