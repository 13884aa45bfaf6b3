package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalSince(t *testing.T) {
	j := NewJournal(3)
	assert.Equal(t, uint64(0), j.Last())

	recs, next, truncated := j.Since(0, "")
	assert.Empty(t, recs)
	assert.Equal(t, uint64(0), next)
	assert.False(t, truncated)

	j.Append(Event{Key: "a", NewValue: ptr("1"), Origin: "x"})
	j.Append(Event{Key: "b", NewValue: ptr("2"), Origin: "y"})

	recs, next, truncated = j.Since(0, "")
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), next)
	assert.False(t, truncated)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "a", recs[0].Key)

	recs, _, _ = j.Since(1, "")
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Key)

	recs, _, _ = j.Since(0, "x")
	require.Len(t, recs, 1)
	assert.Equal(t, "y", recs[0].Origin)
}

func TestJournalTruncation(t *testing.T) {
	j := NewJournal(2)
	for i := 0; i < 5; i++ {
		j.Append(Event{Key: "k"})
	}

	recs, next, truncated := j.Since(1, "")
	assert.True(t, truncated)
	assert.Equal(t, uint64(5), next)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Seq)
	assert.Equal(t, uint64(5), recs[1].Seq)

	_, _, truncated = j.Since(3, "")
	assert.False(t, truncated)

	recs, next, truncated = j.Since(42, "")
	assert.True(t, truncated)
	assert.Empty(t, recs)
	assert.Equal(t, uint64(5), next)
}

func TestJournalMinimumSize(t *testing.T) {
	j := NewJournal(0)
	j.Append(Event{Key: "a"})
	j.Append(Event{Key: "b"})
	recs, _, _ := j.Since(0, "")
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Key)
}

func TestJournalWrapsInOrder(t *testing.T) {
	j := NewJournal(3)
	for i := 1; i <= 7; i++ {
		assert.Equal(t, uint64(i), j.Append(Event{Key: string(rune('a' + i - 1))}))
	}

	recs, next, truncated := j.Since(4, "")
	assert.False(t, truncated)
	assert.Equal(t, uint64(7), next)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{5, 6, 7}, []uint64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
	assert.Equal(t, []string{"e", "f", "g"}, []string{recs[0].Key, recs[1].Key, recs[2].Key})

	recs, _, _ = j.Since(6, "")
	require.Len(t, recs, 1)
	assert.Equal(t, "g", recs[0].Key)
}
