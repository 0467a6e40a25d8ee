package service

import (
	"errors"
	"testing"
	"time"

	"fundarb/internal/domain/model"
)

func TestExecutionClockDecisionTime(t *testing.T) {
	c, err := NewExecutionClock(DefaultPropagationDelay)
	if err != nil {
		t.Fatalf("NewExecutionClock: %v", err)
	}
	now := t0.Add(time.Hour)
	if got := c.Advance(now); !got.Equal(now.Add(-120 * time.Second)) {
		t.Errorf("decision time = %s", got)
	}
	if !c.Now().Equal(now) {
		t.Errorf("Now = %s, want %s", c.Now(), now)
	}
}

func TestExecutionClockZeroDelay(t *testing.T) {
	c, err := NewExecutionClock(0)
	if err != nil {
		t.Fatalf("NewExecutionClock: %v", err)
	}
	if got := c.DecisionTime(t0); !got.Equal(t0) {
		t.Errorf("decision time = %s, want %s", got, t0)
	}
}

func TestExecutionClockNegativeDelay(t *testing.T) {
	if _, err := NewExecutionClock(-time.Second); !errors.Is(err, model.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestExecutionClockPanicsOnBackwardsTime(t *testing.T) {
	c, _ := NewExecutionClock(time.Minute)
	c.Advance(t0.Add(time.Hour))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when time does not advance")
		}
	}()
	c.Advance(t0.Add(time.Hour))
}
