package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSkewClock_FirstSampleTakenAsIs(t *testing.T) {
	local := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewSkewClock(func() time.Time { return local })

	// Round trip of 200ms; server clock 5s ahead at the midpoint.
	sent := local
	received := local.Add(200 * time.Millisecond)
	server := local.Add(100*time.Millisecond + 5*time.Second)
	c.Observe(sent, received, server)

	assert.Equal(t, 5*time.Second, c.Offset())
	assert.True(t, c.Now().Equal(local.Add(5*time.Second)))
}

func TestSkewClock_Smoothing(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewSkewClock(func() time.Time { return base })

	c.Observe(base, base, base.Add(4*time.Second))
	c.Observe(base, base, base.Add(8*time.Second))

	// 4s + 0.25 * (8s - 4s)
	assert.Equal(t, 5*time.Second, c.Offset())
}

func TestSkewClock_IgnoresBadSamples(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewSkewClockAt(func() time.Time { return base }, time.Second)

	c.Observe(base, base, time.Time{})
	c.Observe(base.Add(time.Second), base, base.Add(time.Hour))

	assert.Equal(t, time.Second, c.Offset())
}

func TestSkewClock_CorrectReturnsUTC(t *testing.T) {
	c := NewSkewClockAt(nil, -2*time.Second)
	loc := time.FixedZone("test", 3600)
	in := time.Date(2026, 5, 1, 13, 0, 2, 0, loc)

	out := c.Correct(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.True(t, out.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))
}
