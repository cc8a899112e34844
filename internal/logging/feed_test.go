package logging

import (
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedKeepsMostRecent(t *testing.T) {
	f := NewFeed(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		f.Printf(CompQueue, "line %s", s)
	}

	lines := f.Lines(0)
	require.Len(t, lines, 3)
	assert.Equal(t, "line c", lines[0].Text)
	assert.Equal(t, "line e", lines[2].Text)

	last := f.Lines(1)
	require.Len(t, last, 1)
	assert.Equal(t, "line e", last[0].Text)
}

func TestFeedPartialRing(t *testing.T) {
	f := NewFeed(10)
	f.Printf(CompDetect, "one")
	f.Printf(CompDetect, "two")

	lines := f.Lines(0)
	require.Len(t, lines, 2)
	assert.Equal(t, "one", lines[0].Text)
	assert.Equal(t, CompDetect, lines[0].Component)
}

func TestFeedTruncatesByDisplayWidth(t *testing.T) {
	f := NewFeed(2)
	f.Printf(CompProtocol, "%s", strings.Repeat("가", 200))

	lines := f.Lines(0)
	require.Len(t, lines, 1)
	assert.LessOrEqual(t, runewidth.StringWidth(lines[0].Text), FeedLineWidth)
	assert.True(t, strings.HasSuffix(lines[0].Text, "..."))
}

func TestFeedSubscribe(t *testing.T) {
	f := NewFeed(10)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Printf(CompWatch, "changed")

	select {
	case line := <-ch:
		assert.Equal(t, "changed", line.Text)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive line")
	}
}

func TestFeedCloseClosesSubscribers(t *testing.T) {
	f := NewFeed(10)
	ch, cancel := f.Subscribe()
	f.Close()
	cancel() // no double close

	_, ok := <-ch
	assert.False(t, ok)

	f.Printf(CompWatch, "dropped")
	assert.Empty(t, f.Lines(0))
}

func TestNilFeedIsSafe(t *testing.T) {
	var f *Feed
	f.Printf(CompWatch, "x")
	assert.Nil(t, f.Lines(0))
	ch, cancel := f.Subscribe()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
