package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeconds(t *testing.T) {
	ts := time.Unix(100, 500_000_000)
	assert.InDelta(t, 100.5, Seconds(ts), 1e-9)
}

func TestMockClockAdvanceFiresTicker(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewMockClock(start)
	ticker := c.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	c.Advance(50 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(50 * time.Millisecond)
	select {
	case got := <-ticker.C():
		assert.Equal(t, start.Add(100*time.Millisecond), got)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, start.Add(100*time.Millisecond), c.Now())
}

func TestMockTickerStop(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
