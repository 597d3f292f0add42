package model

import (
	"encoding/json"
	"testing"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		input   string
		want    Verdict
		wantErr bool
	}{
		{"approved", VerdictApproved, false},
		{"Approve", VerdictApproved, false},
		{"true", VerdictApproved, false},
		{"denied", VerdictDenied, false},
		{"rejected", VerdictDenied, false},
		{"false", VerdictDenied, false},
		{"inconclusive", VerdictInconclusive, false},
		{"none", VerdictInconclusive, false},
		{"  Null ", VerdictInconclusive, false},
		{"maybe", VerdictInconclusive, true},
		{"", VerdictInconclusive, true},
	}

	for _, tt := range tests {
		got, err := ParseVerdict(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVerdict(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVerdict(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestVerdictJSONRoundTrip(t *testing.T) {
	review := Review{
		ID:         "r1",
		TaskID:     "t1",
		PageNumber: 3,
		Verdict:    VerdictDenied,
		Rationale:  "logo too small",
	}

	data, err := json.Marshal(review)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Review
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Verdict != VerdictDenied {
		t.Errorf("Expected verdict denied, got %s", decoded.Verdict)
	}
}
