package alert_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/alert"
	"github.com/ashita-ai/kage/internal/model"
)

func sampleAlert() model.Alert {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.Alert{
		Severity:    model.SeverityCritical,
		Tool:        "lead_score",
		Version:     "1.2.0",
		Metric:      "success_rate",
		Value:       0.71,
		Threshold:   0.85,
		SampleSize:  140,
		WindowStart: now.Add(-7 * 24 * time.Hour),
		WindowEnd:   now,
		RaisedAt:    now,
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	require.NoError(t, alert.LogSink{Logger: logger}.Send(context.Background(), sampleAlert()))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "alert: threshold breached", rec["msg"])
	assert.Equal(t, "lead_score", rec["tool"])
	assert.Equal(t, "success_rate", rec["metric"])
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	s := alert.NewKafkaSinkWithWriter(w)
	require.NoError(t, s.Send(context.Background(), sampleAlert()))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "lead_score@1.2.0", string(msg.Key))
	assert.Equal(t, "critical", string(msg.Headers[0].Value))
	var got model.Alert
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, sampleAlert(), got)

	w.err = kafka.LeaderNotAvailable
	err := s.Send(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, kafka.LeaderNotAvailable)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func TestNATSSink(t *testing.T) {
	srv := startNATS(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ops.alerts.>")
	require.NoError(t, err)

	s := alert.NewNATSSink(nc, "ops.alerts")
	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ops.alerts.critical", msg.Subject)
	var got model.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "lead_score", got.Tool)
	assert.NoError(t, s.Close(), "borrowed connections are left open")
	assert.True(t, nc.IsConnected())
}

func TestDialNATS(t *testing.T) {
	srv := startNATS(t)
	s, err := alert.DialNATS(srv.ClientURL(), "")
	require.NoError(t, err)
	assert.Equal(t, "kage.alerts.warning", s.Subject(model.SeverityWarning))
	require.NoError(t, s.Send(context.Background(), sampleAlert()))
	assert.NoError(t, s.Close())
}

func TestMultiContainsFailures(t *testing.T) {
	var got []string
	var mu sync.Mutex
	record := func(name string) alert.Sink {
		return alert.SinkFunc(func(_ context.Context, a model.Alert) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+a.Metric)
			return nil
		})
	}
	failing := alert.SinkFunc(func(context.Context, model.Alert) error { return errors.New("broker down") })

	var buf bytes.Buffer
	m := alert.NewMulti(slog.New(slog.NewTextHandler(&buf, nil)), record("a"), failing, nil, record("b"))
	assert.NoError(t, m.Send(context.Background(), sampleAlert()))
	assert.Equal(t, []string{"a:success_rate", "b:success_rate"}, got)
	assert.Contains(t, buf.String(), "broker down")
	assert.NoError(t, m.Close())
}
