package webhooks

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"webhookd/internal/platform/models"
)

func TestRetryDelay_Exponential(t *testing.T) {
	expected := []int{1, 5, 15, 60, 360, 1440, 1440, 1440}

	for attempts, minutes := range expected {
		got := RetryDelay(attempts, models.BackoffExponential)
		if got != time.Duration(minutes)*time.Minute {
			t.Errorf("attempts=%d: got %v, want %dm", attempts, got, minutes)
		}
	}

	if got := RetryDelay(100, models.BackoffExponential); got != 1440*time.Minute {
		t.Errorf("Expected clamp at 1440m, got %v", got)
	}
}

func TestRetryDelay_Linear(t *testing.T) {
	for attempts := 0; attempts <= 6; attempts++ {
		want := time.Duration(attempts+1) * time.Minute
		if got := RetryDelay(attempts, models.BackoffLinear); got != want {
			t.Errorf("attempts=%d: got %v, want %v", attempts, got, want)
		}
	}
}

func TestRetryDelay_Fallbacks(t *testing.T) {
	if got := RetryDelay(2, "fibonacci"); got != 15*time.Minute {
		t.Errorf("Unknown policy should use exponential, got %v", got)
	}
	if got := RetryDelay(-3, models.BackoffLinear); got != time.Minute {
		t.Errorf("Negative attempts should clamp to zero, got %v", got)
	}
}

func TestNextRetryAt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	now := clock.Now()

	got := NextRetryAt(3, models.BackoffExponential, now)
	if !got.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected %v, got %v", now.Add(time.Hour), got)
	}

	clock.Advance(10 * time.Minute)
	later := NextRetryAt(3, models.BackoffExponential, clock.Now())
	if later.Sub(got) != 10*time.Minute {
		t.Errorf("Offset should follow the injected clock, got %v", later.Sub(got))
	}
}

func TestValidBackoff(t *testing.T) {
	if !ValidBackoff("exponential") || !ValidBackoff("linear") || ValidBackoff("") {
		t.Error("Unexpected ValidBackoff result")
	}
}
