package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verdict is the closed set of outcomes a page comparison can produce.
type Verdict int

const (
	VerdictApproved Verdict = iota
	VerdictDenied
	VerdictInconclusive
)

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictDenied:
		return "denied"
	default:
		return "inconclusive"
	}
}

// ParseVerdict maps a model-provided decision string onto the verdict enum.
// Unknown values are an error so malformed output is caught by the gateway,
// not silently coerced.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "true":
		return VerdictApproved, nil
	case "denied", "deny", "rejected", "false":
		return VerdictDenied, nil
	case "inconclusive", "none", "null", "unknown":
		return VerdictInconclusive, nil
	default:
		return VerdictInconclusive, fmt.Errorf("unknown verdict %q", s)
	}
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVerdict(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Review is one page-level verdict belonging to a task. Reviews are
// immutable once created.
type Review struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	PageNumber     int       `json:"page_number"`
	Verdict        Verdict   `json:"verdict"`
	Rationale      string    `json:"rationale"`
	CreatedAt      time.Time `json:"created_at"`
}

// VerdictResult is the structured pair returned by the inference gateway.
type VerdictResult struct {
	Verdict   Verdict `json:"verdict"`
	Rationale string  `json:"rationale"`
}
