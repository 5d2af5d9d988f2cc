package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifier_NoSamplesIsFull(t *testing.T) {
	c := NewClassifier(0, 0)
	assert.Equal(t, ModeFull, c.Mode())
}

func TestClassifier_FastLinkIsFull(t *testing.T) {
	c := NewClassifier(time.Second, 1000)
	c.Observe(50*time.Millisecond, 10_000)
	c.Observe(60*time.Millisecond, 10_000)
	assert.Equal(t, ModeFull, c.Mode())
}

func TestClassifier_SlowRoundTripsDegrade(t *testing.T) {
	c := NewClassifier(time.Second, 1000)
	for i := 0; i < 5; i++ {
		c.Observe(3*time.Second, 1_000_000)
	}
	assert.Equal(t, ModeMinimal, c.Mode())
}

func TestClassifier_LowBandwidthDegrades(t *testing.T) {
	c := NewClassifier(time.Second, 16*1024)
	// 400ms for 1 KiB is about 2.5 KiB/s
	c.Observe(400*time.Millisecond, 1024)
	assert.Equal(t, ModeMinimal, c.Mode())

	// A tiny payload on a quick round trip says nothing about bandwidth
	fresh := NewClassifier(time.Second, 16*1024)
	fresh.Observe(20*time.Millisecond, 10)
	assert.Equal(t, ModeFull, fresh.Mode())
}

func TestClassifier_FailureThenRecovery(t *testing.T) {
	c := NewClassifier(time.Second, 1000)
	c.Failure()
	assert.Equal(t, ModeMinimal, c.Mode())

	for i := 0; i < 10; i++ {
		c.Observe(20*time.Millisecond, 10_000)
	}
	assert.Equal(t, ModeFull, c.Mode(), "good samples bring the link back")
}

func TestClassifier_Force(t *testing.T) {
	c := NewClassifier(0, 0)
	c.Force(ModeMinimal)
	assert.Equal(t, ModeMinimal, c.Mode())

	c.Force("")
	assert.Equal(t, ModeFull, c.Mode())
}

func TestClassifier_Estimate(t *testing.T) {
	c := NewClassifier(time.Second, 1000)
	c.Observe(100*time.Millisecond, 1000)
	rtt, bw := c.Estimate()
	assert.Equal(t, 100*time.Millisecond, rtt)
	assert.InDelta(t, 10_000, bw, 1)

	c.Observe(200*time.Millisecond, 1000)
	rtt, _ = c.Estimate()
	assert.Equal(t, 130*time.Millisecond, rtt, "EWMA with weight 0.3")
}
