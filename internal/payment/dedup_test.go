package payment

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
)

func TestDedupCache_MarkIfAbsent(t *testing.T) {
	c := NewDedupCache(time.Hour, 10, quartz.NewMock(t))

	assert.True(t, c.MarkIfAbsent(RailA, "1"))
	assert.False(t, c.MarkIfAbsent(RailA, "1"))
	assert.True(t, c.MarkIfAbsent(RailB, "1"), "ids are scoped per rail")
	assert.Equal(t, 2, c.Len())

	c.Forget(RailA, "1")
	assert.False(t, c.Contains(RailA, "1"))
	assert.True(t, c.MarkIfAbsent(RailA, "1"))
}

func TestDedupCache_Expiry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := quartz.NewMock(t)
	c := NewDedupCache(time.Hour, 0, clock)

	c.MarkIfAbsent(RailA, "old")
	clock.Advance(30 * time.Minute).MustWait(ctx)
	c.MarkIfAbsent(RailA, "new")

	clock.Advance(30 * time.Minute).MustWait(ctx)
	assert.Equal(t, 1, c.Sweep())
	assert.False(t, c.Contains(RailA, "old"))
	assert.True(t, c.Contains(RailA, "new"))
}

func TestDedupCache_SizeCeiling(t *testing.T) {
	c := NewDedupCache(time.Hour, 2, quartz.NewMock(t))

	c.MarkIfAbsent(RailA, "1")
	c.MarkIfAbsent(RailA, "2")
	c.MarkIfAbsent(RailA, "3")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Contains(RailA, "1"), "oldest evicted first")
	assert.True(t, c.Contains(RailA, "3"))
}
