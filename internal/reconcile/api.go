package reconcile

import (
	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/ledger"
)

// DecideRequest compares two entries without touching the ledger.
// A nil HighRisk lets the policy and the risk classifier decide.
type DecideRequest struct {
	Current         clinical.Entry `json:"current"`
	New             clinical.Entry `json:"new"`
	ApproximateTime bool           `json:"approximate_time"`
	HighRisk        *bool          `json:"high_risk,omitempty"`
	ToleranceDays   float64        `json:"tolerance_days,omitempty"`
}

// DecideResponse is the wire form of a decision.
type DecideResponse struct {
	Success       bool    `json:"success"`
	Action        string  `json:"action,omitempty"`
	Confidence    float64 `json:"confidence"`
	HighRisk      bool    `json:"high_risk"`
	PolicyVersion string  `json:"policy_version,omitempty"`
	Warning       string  `json:"warning,omitempty"`
	Error         string  `json:"error,omitempty"`
	Field         string  `json:"field,omitempty"`
}

// RecordRequest reconciles one entry against a user's stored episodes.
type RecordRequest struct {
	UserID          string         `json:"user_id"`
	Entry           clinical.Entry `json:"entry"`
	ApproximateTime bool           `json:"approximate_time"`
	HighRisk        *bool          `json:"high_risk,omitempty"`
	ToleranceDays   float64        `json:"tolerance_days,omitempty"`
}

// RecordResult is the committed record together with the decision that
// produced it.
type RecordResult struct {
	Record       ledger.FactRecord `json:"record"`
	Decision     decide.Decision   `json:"decision"`
	Deduplicated bool              `json:"deduplicated"`
	Attempts     int               `json:"attempts"`
	// Candidate is the episode the entry was compared against, if any.
	Candidate *ledger.EntityKey `json:"candidate,omitempty"`
}

func responseFrom(d decide.Decision) DecideResponse {
	resp := DecideResponse{
		Success:       true,
		Action:        string(d.Kind),
		Confidence:    d.Confidence,
		HighRisk:      d.HighRisk,
		PolicyVersion: d.PolicyVersion,
	}
	if d.Warning != nil {
		resp.Warning = d.Warning.String()
	}
	return resp
}
