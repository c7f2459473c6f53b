package model

import (
	"fmt"
	"time"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is a threshold breach. Alerts are not persisted; they carry the window
// and threshold that triggered them so a log line is enough to reproduce one.
type Alert struct {
	Severity    Severity  `json:"severity"`
	Tool        string    `json:"tool"`
	Version     string    `json:"version"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	SampleSize  int       `json:"sample_size"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	RaisedAt    time.Time `json:"raised_at"`
	Message     string    `json:"message,omitempty"`
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s@%s %s=%.4f threshold=%.4f n=%d",
		a.Severity, a.Tool, a.Version, a.Metric, a.Value, a.Threshold, a.SampleSize)
}
