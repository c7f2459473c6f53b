package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashita-ai/kage/internal/model"
)

// NATSSink publishes alerts as JSON on <prefix>.<severity>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("kage-alerts"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("alert: connect nats %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix)
	s.owned = true
	return s, nil
}

// NewNATSSink publishes on an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "kage.alerts"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject an alert of severity sev is published on.
func (s *NATSSink) Subject(sev model.Severity) string {
	return s.prefix + "." + string(sev)
}

func (s *NATSSink) Send(_ context.Context, a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: nats marshal: %w", err)
	}
	if err := s.nc.Publish(s.Subject(a.Severity), data); err != nil {
		return fmt.Errorf("alert: nats publish: %w", err)
	}
	return nil
}

// Close drains the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.nc.Drain()
}
