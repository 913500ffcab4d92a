package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusImageUploaded, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusImageUploaded, StatusFailed, true},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusProcessing, StatusImageUploaded, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidStatus(t *testing.T) {
	if !ValidStatus(StatusCompleted) {
		t.Error("completed should be valid")
	}
	if ValidStatus("archived") {
		t.Error("archived should not be valid")
	}
	if !StatusFailed.IsTerminal() || StatusProcessing.IsTerminal() {
		t.Error("only completed and failed are terminal")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{10, time.Hour},
	}
	for _, tt := range tests {
		if got := Backoff(time.Minute, tt.attempt, time.Hour); got != tt.want {
			t.Errorf("Backoff(1m, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_Apply(t *testing.T) {
	opts := DefaultRetryPolicy().Apply(EnqueueOptions{})
	if opts.MaxAttempts != 3 || opts.Backoff != 60*time.Second || opts.Priority != 1 {
		t.Errorf("Apply() = %+v, want 3 attempts, 60s, priority 1", opts)
	}

	opts = DefaultRetryPolicy().Apply(EnqueueOptions{MaxAttempts: 5, Priority: 2})
	if opts.MaxAttempts != 5 || opts.Priority != 2 {
		t.Errorf("Apply() overrode explicit options: %+v", opts)
	}
}

func TestJob_IsLastAttempt(t *testing.T) {
	j := &Job{Attempt: 2, MaxAttempts: 3}
	if j.IsLastAttempt() {
		t.Error("attempt 2 of 3 is not last")
	}
	j.Attempt = 3
	if !j.IsLastAttempt() {
		t.Error("attempt 3 of 3 is last")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", NewProcessingError(KindNotFound, "t", ErrTaskNotFound), false},
		{"no images", NewProcessingError(KindNoImages, "t", ErrNoImages), false},
		{"not paid", NewProcessingError(KindNotPaid, "t", ErrTaskNotPaid), true},
		{"persistence", NewProcessingError(KindPersistenceFailure, "t", errors.New("disk")), true},
		{"adapter fatal", NewProcessingError(KindAdapterFailure, "t", &AdapterError{StatusCode: 400, Err: errors.New("bad")}), false},
		{"adapter transient", NewProcessingError(KindAdapterFailure, "t", &AdapterError{StatusCode: 503, Retryable: true, Err: errors.New("busy")}), true},
		{"wrapped", fmt.Errorf("job: %w", NewProcessingError(KindNoImages, "t", ErrNoImages)), false},
		{"plain", errors.New("boom"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTokenReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrTokenMissing, "missing"},
		{ErrTokenUsed, "used"},
		{fmt.Errorf("validate: %w", ErrTokenExpired), "expired"},
		{ErrTokenInvalid, "invalid"},
	}
	for _, tt := range tests {
		if got := TokenReason(tt.err); got != tt.want {
			t.Errorf("TokenReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestParseAnalysis(t *testing.T) {
	raw := []byte(`{"damage_detected":false,"damages":[],"summary":"clean","estimated_total_labor_cost":120}`)
	res, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("ParseAnalysis() error: %v", err)
	}
	if string(res.Raw) != string(raw) {
		t.Errorf("Raw = %s, want input bytes", res.Raw)
	}
	a := res.Analysis
	if a.Summary != "clean" || a.DamageDetected == nil || *a.DamageDetected {
		t.Errorf("analysis = %+v", a)
	}
	if a.EstimatedTotalLaborCost != "120" {
		t.Errorf("labor cost = %q, want 120", a.EstimatedTotalLaborCost)
	}

	for _, bad := range []string{"", "not json", `["x"]`, `{"summary":"no flag"}`, `{"damage_detected":`} {
		if _, err := ParseAnalysis([]byte(bad)); !errors.Is(err, ErrMalformedAnalysis) {
			t.Errorf("ParseAnalysis(%q) error = %v, want ErrMalformedAnalysis", bad, err)
		}
	}
}

func TestParseAnalysis_Damages(t *testing.T) {
	raw := []byte(`{"damage_detected":true,"summary":"dent","damages":[{"location":"front bumper","severity":"moderate","description":"dent","estimated_parts_cost_original":"450 EUR","estimated_parts_cost_alternative":220,"estimated_labor_cost":null}]}`)
	res, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("ParseAnalysis() error: %v", err)
	}
	if len(res.Analysis.Damages) != 1 {
		t.Fatalf("damages = %d, want 1", len(res.Analysis.Damages))
	}
	d := res.Analysis.Damages[0]
	if d.Location != "front bumper" || d.Severity != "moderate" {
		t.Errorf("damage = %+v", d)
	}
	if d.EstimatedPartsCostOriginal != "450 EUR" || d.EstimatedPartsCostAlternative != "220" || d.EstimatedLaborCost != "" {
		t.Errorf("costs = (%q, %q, %q), want (450 EUR, 220, empty)",
			d.EstimatedPartsCostOriginal, d.EstimatedPartsCostAlternative, d.EstimatedLaborCost)
	}
}
