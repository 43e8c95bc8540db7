package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWeights = map[string]float64{
	"INFO": 1, "LOW": 3, "MEDIUM": 10, "HIGH": 30, "CRITICAL": 60,
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s, err := Open(filepath.Join(t.TempDir(), "fusion.db"), 24*time.Hour, testWeights)
	require.NoError(t, err)
	s.WithClock(clock.Now)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func testIncident(id string) *Incident {
	return &Incident{
		IncidentID:    id,
		RuleID:        "persistence_after_auth",
		Severity:      "CRITICAL",
		DeviceID:      "d1",
		Summary:       "persistence after auth on d1",
		WindowStartNS: 100,
		WindowEndNS:   200,
		EventIDs:      []string{"e1", "e2"},
		Tactics:       []string{"TA0003"},
		Techniques:    []string{"T1543.001"},
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	fresh, err := s.Insert(testIncident("inc-1"))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.Insert(testIncident("inc-1"))
	require.NoError(t, err)
	assert.False(t, fresh, "re-inserting a known incident must be a no-op")

	incidents, err := s.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, "inc-1", inc.IncidentID)
	assert.Equal(t, []string{"e1", "e2"}, inc.EventIDs)
	assert.Equal(t, []string{"TA0003"}, inc.Tactics)
}

func TestListRecentOrderAndLimit(t *testing.T) {
	s, clock := openTestStore(t)
	for _, id := range []string{"inc-1", "inc-2", "inc-3"} {
		_, err := s.Insert(testIncident(id))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	incidents, err := s.ListRecent(2)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, "inc-3", incidents[0].IncidentID)
	assert.Equal(t, "inc-2", incidents[1].IncidentID)
}

func TestRiskAccumulatesAndCaps(t *testing.T) {
	s, _ := openTestStore(t)
	score, err := s.AddRisk("d1", "MEDIUM")
	require.NoError(t, err)
	assert.Equal(t, 10.0, score)

	score, err = s.AddRisk("d1", "CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, 70.0, score)

	score, err = s.AddRisk("d1", "CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, RiskCap, score, "score saturates at the cap")

	_, err = s.AddRisk("d1", "WHATEVER")
	assert.Error(t, err)
}

func TestRiskHalfLifeDecay(t *testing.T) {
	s, clock := openTestStore(t)
	_, err := s.AddRisk("d1", "HIGH")
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	score, err := s.Risk("d1")
	require.NoError(t, err)
	assert.InDelta(t, 15.0, score, 0.001, "one half-life halves the score")

	clock.Advance(24 * time.Hour)
	score, err = s.Risk("d1")
	require.NoError(t, err)
	assert.InDelta(t, 7.5, score, 0.001)

	// A new contribution decays the stored score first, then adds.
	score, err = s.AddRisk("d1", "LOW")
	require.NoError(t, err)
	assert.InDelta(t, 10.5, score, 0.001)
}

func TestRiskUnknownDeviceIsZero(t *testing.T) {
	s, _ := openTestStore(t)
	score, err := s.Risk("never-seen")
	require.NoError(t, err)
	assert.Zero(t, score)
}
