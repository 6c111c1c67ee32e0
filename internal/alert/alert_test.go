package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lakehouse/extractor/internal/cdc"
)

type mockHTTPClient struct {
	statusCodes []int
	err         error
	calls       int
	lastReq     *http.Request
	lastBody    string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	m.calls++
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		m.lastBody = string(body)
	}
	if m.err != nil {
		return nil, m.err
	}

	code := http.StatusOK
	if len(m.statusCodes) > 0 {
		code = m.statusCodes[0]
		if len(m.statusCodes) > 1 {
			m.statusCodes = m.statusCodes[1:]
		}
	}
	return &http.Response{
		StatusCode: code,
		Body:       http.NoBody,
	}, nil
}

func newTestManager(client HTTPClient) *Manager {
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", client)
	m.delay = time.Millisecond
	return m
}

var checkpoint = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func TestSendIngestionFailureAlert_Disabled(t *testing.T) {
	mock := &mockHTTPClient{}
	m := NewManagerWithClient(false, "https://hooks.slack.com/test", mock)
	err := m.SendIngestionFailureAlert("fact_sales", cdc.KindSourceUnavailable, checkpoint, errors.New("timeout"))
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
	if mock.calls != 0 {
		t.Error("expected no request when disabled")
	}
}

func TestSendIngestionFailureAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	err := m.SendIngestionFailureAlert("fact_sales", cdc.KindSourceUnavailable, checkpoint, errors.New("timeout"))
	if err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestSendIngestionFailureAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{}
	m := newTestManager(mock)

	err := m.SendIngestionFailureAlert("fact_sales", cdc.KindSinkUnavailable, checkpoint, errors.New("bucket unreachable"))
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	var msg slackMessage
	if err := json.Unmarshal([]byte(mock.lastBody), &msg); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if msg.Attachments[0].Color != "warning" {
		t.Errorf("expected warning color for retryable kind, got %s", msg.Attachments[0].Color)
	}
	if !strings.Contains(mock.lastBody, "2025-01-02 10:00:00") {
		t.Error("expected watermark in payload")
	}
}

func TestSendIngestionFailureAlert_StateCorruptionIsDanger(t *testing.T) {
	mock := &mockHTTPClient{}
	m := newTestManager(mock)

	if err := m.SendIngestionFailureAlert("fact_sales", cdc.KindStateCorruption, checkpoint, errors.New("bad record")); err != nil {
		t.Fatal(err)
	}

	var msg slackMessage
	if err := json.Unmarshal([]byte(mock.lastBody), &msg); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if msg.Attachments[0].Color != "danger" {
		t.Errorf("expected danger color, got %s", msg.Attachments[0].Color)
	}
}

func TestSendIngestionFailureAlert_RetriesServerErrors(t *testing.T) {
	mock := &mockHTTPClient{statusCodes: []int{http.StatusBadGateway, http.StatusOK}}
	m := newTestManager(mock)

	err := m.SendIngestionFailureAlert("fact_sales", cdc.KindSourceUnavailable, checkpoint, errors.New("timeout"))
	if err != nil {
		t.Errorf("expected delivery after retry, got: %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("expected 2 calls, got %d", mock.calls)
	}
}

func TestSendIngestionFailureAlert_ClientErrorNotRetried(t *testing.T) {
	mock := &mockHTTPClient{statusCodes: []int{http.StatusNotFound}}
	m := newTestManager(mock)

	err := m.SendIngestionFailureAlert("fact_sales", cdc.KindSourceUnavailable, checkpoint, errors.New("timeout"))
	if err == nil {
		t.Error("expected error for non-200 response")
	}
	if mock.calls != 1 {
		t.Errorf("expected a single call, got %d", mock.calls)
	}
}

func TestSendSystemAlert_GivesUp(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("dial tcp: connection refused")}
	m := newTestManager(mock)

	err := m.SendSystemAlert("Leadership lost", "node-1 stepped down", "warning")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if mock.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.calls)
	}
}
