package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kyb-monitor/internal/config"
	"github.com/sells-group/kyb-monitor/internal/model"
	"github.com/sells-group/kyb-monitor/internal/resilience"
)

func testAlert() model.Alert {
	return model.Alert{
		ID:              "a-1",
		TenantID:        "tenant-1",
		CounterpartyID:  "cp-1",
		Source:          model.SourceVIES,
		Type:            model.AlertVATInvalidated,
		Severity:        model.SeverityCritical,
		Message:         "active: true -> false",
		OccurrenceCount: 1,
	}
}

func fastRetry() resilience.Policy {
	return resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestWebhook_PostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, WithWebhookRetry(fastRetry())).Notify(context.Background(), "tenant-1", testAlert())

	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "a-1", got.Alert.ID)
	assert.Equal(t, model.AlertVATInvalidated, got.Alert.Type)
	assert.False(t, got.EmittedAt.IsZero())
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, WithWebhookRetry(fastRetry())).Notify(context.Background(), "tenant-1", testAlert())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, WithWebhookRetry(fastRetry())).Notify(context.Background(), "tenant-1", testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafka_Publishes(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "kyb.alerts", log: NewLog().log}

	require.NoError(t, k.Notify(context.Background(), "tenant-1", testAlert()))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("cp-1"), msg.Key)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "a-1", ev.Alert.ID)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{"tenant_id": "tenant-1", "alert_type": "vat_invalidated", "severity": "critical"}, headers)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafka_WriteError(t *testing.T) {
	k := &Kafka{writer: &fakeWriter{err: errors.New("leader not available")}, topic: "kyb.alerts", log: NewLog().log}
	err := k.Notify(context.Background(), "tenant-1", testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestMulti_JoinsErrors(t *testing.T) {
	var delivered []string
	ok := Func(func(_ context.Context, tenantID string, a model.Alert) error {
		delivered = append(delivered, tenantID+"/"+a.ID)
		return nil
	})
	failing := Func(func(context.Context, string, model.Alert) error { return errors.New("boom") })

	err := Multi{ok, failing, ok}.Notify(context.Background(), "tenant-1", testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"tenant-1/a-1", "tenant-1/a-1"}, delivered)

	assert.NoError(t, Multi{ok}.Notify(context.Background(), "tenant-1", testAlert()))
}

func TestFromConfig(t *testing.T) {
	n, closeFn := FromConfig(config.NotifyConfig{})
	assert.IsType(t, Nop{}, n)
	assert.NoError(t, closeFn())

	n, _ = FromConfig(config.NotifyConfig{Log: true})
	assert.IsType(t, &Log{}, n)
	assert.NoError(t, n.Notify(context.Background(), "tenant-1", testAlert()))

	n, _ = FromConfig(config.NotifyConfig{Log: true, WebhookURL: "http://localhost:1/hook"})
	require.IsType(t, Multi{}, n)
	assert.Len(t, n.(Multi), 2)
}
