package policy

import (
	"time"
)

// Severity decides what a matching deny rule does to a command.
type Severity string

const (
	SeverityInfo Severity = "info"
	// SeverityWarning lets the command run once a person confirms it.
	SeverityWarning Severity = "warning"
	// SeverityError and SeverityCritical block the command outright.
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Blocking reports whether a violation of this severity blocks the command.
func (s Severity) Blocking() bool {
	return s.rank() >= severityRanks[SeverityError]
}

func (s Severity) rank() int {
	return severityRanks[s]
}

// Policy is one Rego module whose deny set is evaluated against every
// command. Deny entries are strings or objects with "message" and an
// optional "severity" overriding Severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`

	// Builtin is set only for the policies compiled into the binary.
	Builtin bool `json:"builtin"`

	Tags      []string               `json:"tags,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PolicyViolation is one deny entry produced for a command.
type PolicyViolation struct {
	Policy   string                 `json:"policy"`
	Command  string                 `json:"command,omitempty"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// PolicyResult is the verdict on one command. Violations block it and are
// sorted most severe first; Warnings only require confirmation. A policy
// that fails to evaluate is listed in Errors and also blocks.
type PolicyResult struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []PolicyViolation `json:"warnings,omitempty"`
	Errors     []string          `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Risky reports whether the command may only run after confirmation.
func (r *PolicyResult) Risky() bool {
	return len(r.Warnings) > 0
}

// PolicyInput is exposed to Rego as input. Placeholder marks the synthetic
// echo command of an observation step; built-in policies ignore it.
type PolicyInput struct {
	Command     string         `json:"command"`
	Placeholder bool           `json:"placeholder"`
	Context     *PolicyContext `json:"context"`
}

// PolicyContext is exposed to Rego as input.context. The gate sets
// Operation to "execute".
type PolicyContext struct {
	User      string                 `json:"user,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Operation string                 `json:"operation,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle is a JSON file holding several policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
