package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewFake(start)
	if !c.Now().Equal(start) {
		t.Fatalf("now=%v", c.Now())
	}

	c.Advance(40 * time.Second)
	if got := c.Now().Sub(start); got != 40*time.Second {
		t.Fatalf("elapsed=%v", got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("set did not apply: %v", c.Now())
	}
}

func TestReal_IsUTC(t *testing.T) {
	t.Parallel()

	if loc := Real().Now().Location(); loc != time.UTC {
		t.Fatalf("location=%v", loc)
	}
}
