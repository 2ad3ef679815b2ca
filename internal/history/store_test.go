package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	started := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(Entry{
		CallID:    "c-1",
		PeerID:    "bob",
		PeerName:  "Bob",
		Direction: "outgoing",
		Outcome:   "completed",
		StartedAt: started,
		Duration:  95,
	}))
	require.NoError(t, s.Record(Entry{
		CallID:    "c-2",
		PeerID:    "carol",
		Direction: "incoming",
		Outcome:   "missed",
		StartedAt: time.Unix(0, 0),
	}))

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "c-2", entries[0].CallID)
	assert.Equal(t, "missed", entries[0].Outcome)
	assert.Equal(t, "c-1", entries[1].CallID)
	assert.Equal(t, 95, entries[1].Duration)
	assert.True(t, entries[1].StartedAt.Equal(started))
}

func TestRecentHonorsLimit(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(Entry{
			CallID:    "c",
			PeerID:    "bob",
			Direction: "outgoing",
			Outcome:   "no answer",
			StartedAt: time.Now(),
		}))
	}
	entries, err := s.Recent(3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestOpenIsReentrant(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Record(Entry{CallID: "c-1", PeerID: "bob", Direction: "outgoing", Outcome: "declined", StartedAt: time.Now()}))
	require.NoError(t, s1.Close())

	// Reopening the same directory sees the existing log.
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	entries, err := s2.Recent(10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
