package kage

import "time"

// Outcome is what a legacy evaluator returns for one request. Any field may
// be unset; a tool that only categorizes leaves Score nil.
type Outcome struct {
	Score      *float64
	Category   string
	Confidence *float64
	Details    map[string]any
}

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert reports a breached performance threshold for one rule version, or a
// failed batch job (Metric "job.<name>.<status>").
type Alert struct {
	Severity    Severity
	Tool        string
	Version     string
	Metric      string
	Value       float64
	Threshold   float64
	SampleSize  int
	WindowStart time.Time
	WindowEnd   time.Time
	RaisedAt    time.Time
	Message     string
}
