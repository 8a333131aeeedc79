package taskqueue

import (
	"errors"
	"testing"
	"time"
)

func TestValidateCapabilities(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want error
	}{
		{"nil", nil, ErrNoCapabilities},
		{"empty", Capabilities{}, ErrNoCapabilities},
		{"blank type", Capabilities{" ": {}}, ErrEmptyJobType},
		{"negative timeout", Capabilities{"a": {Timeout: -time.Second}}, ErrInvalidPolicy},
		{"negative retries", Capabilities{"a": {Retries: -1}}, ErrInvalidPolicy},
		{"negative rate", Capabilities{"a": {Rate: -time.Second}}, ErrInvalidPolicy},
		{"zero policy", Capabilities{"a": {}}, nil},
		{"full policy", Capabilities{"a": {Timeout: time.Minute, Retries: 2, Rate: time.Second}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCapabilities(tt.caps)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateCapabilities() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateJobID(t *testing.T) {
	for _, id := range []int64{0, -1} {
		if err := ValidateJobID(id); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("ValidateJobID(%d) = %v, want ErrInvalidJobID", id, err)
		}
	}
	if err := ValidateJobID(1); err != nil {
		t.Errorf("ValidateJobID(1) = %v", err)
	}
}

func TestJobStatus(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)
	tests := []struct {
		name string
		job  Job
		want Status
	}{
		{"pending", Job{}, StatusPending},
		{"in progress", Job{Fetched: &earlier, ExpiresAt: &later}, StatusInProgress},
		{"restarted", Job{Fetched: &earlier, ExpiresAt: &later, Failed: 1}, StatusInProgress},
		{"expires now", Job{Fetched: &earlier, ExpiresAt: &now}, StatusPending},
		{"expired", Job{Fetched: &earlier, ExpiresAt: &earlier}, StatusPending},
		{"expired after failure", Job{Fetched: &earlier, ExpiresAt: &earlier, Failed: 1}, StatusFailed},
		{"failed", Job{Failed: 1}, StatusFailed},
		{"completed", Job{Fetched: &now, Completed: &now, Failed: 2}, StatusCompleted},
	}
	for _, tt := range tests {
		if got := tt.job.Status(now); got != tt.want {
			t.Errorf("%s: Status() = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{ClaimAttempts: 3, CompletedRetention: time.Hour}.withDefaults()
	if c.ClaimAttempts != 3 {
		t.Errorf("ClaimAttempts = %d, want 3", c.ClaimAttempts)
	}
	if c.DefaultTimeout != 5*time.Minute || c.DefaultRetries != 3 {
		t.Errorf("defaults not applied: %+v", c)
	}
	if c.CompletedRetention != time.Hour {
		t.Errorf("CompletedRetention = %v, want 1h", c.CompletedRetention)
	}
}
