package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":                ModeDirectMarkdown,
		"false":           ModeDirectMarkdown,
		"0":               ModeDirectMarkdown,
		"direct_markdown": ModeDirectMarkdown,
		"true":            ModeViaPDF,
		"1":               ModeViaPDF,
		" Yes ":           ModeViaPDF,
		"via_pdf":         ModeViaPDF,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("docx")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusRunning))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.True(t, CanTransition(StatusRunning, StatusCompleted))
	assert.True(t, CanTransition(StatusRunning, StatusFailed))
	assert.True(t, CanTransition(StatusRunning, StatusPending))

	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	for _, to := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed} {
		assert.False(t, CanTransition(StatusCompleted, to))
		assert.False(t, CanTransition(StatusFailed, to))
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Task{ID: "a", Result: &Result{Ref: "r"}, Lease: &Lease{Owner: "w1"}}
	c := orig.Clone()
	c.Result.Ref = "changed"
	c.Lease.Owner = "w2"

	assert.Equal(t, "r", orig.Result.Ref)
	assert.Equal(t, "w1", orig.Lease.Owner)
}
