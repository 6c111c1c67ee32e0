package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/lakehouse/extractor/internal/cdc"
	"github.com/lakehouse/extractor/internal/logger"
	"github.com/lakehouse/extractor/internal/watermark"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	attempts     uint
	delay        time.Duration
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		attempts:     3,
		delay:        500 * time.Millisecond,
	}
}

// SendIngestionFailureAlert reports a table that ended its cycle in FAILED.
// Corrupt state needs an operator and is sent as danger; the retryable kinds
// are warnings.
func (m *Manager) SendIngestionFailureAlert(tableName string, kind cdc.ErrorKind, checkpoint time.Time, cause error) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	color := "danger"
	text := "🚨 *INGESTION FAILED*"
	if kind.Retryable() {
		color = "warning"
		text = "⚠️ *INGESTION FAILED (will retry next cycle)*"
	}

	msg := slackMessage{
		Text: text,
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: fmt.Sprintf("Table %s", tableName),
				Fields: []slackField{
					{Title: "Table", Value: tableName, Short: true},
					{Title: "Kind", Value: string(kind), Short: true},
					{Title: "Watermark", Value: watermark.Format(checkpoint), Short: true},
					{Title: "Error", Value: errorText(cause), Short: false},
				},
				Footer: "Lakehouse Extractor",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "Lakehouse Extractor",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	return retry.Do(
		func() error {
			return m.post(payload)
		},
		retry.Attempts(m.attempts),
		retry.Delay(m.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Retrying slack delivery", "attempt", n+1, "error", err)
		}),
	)
}

func (m *Manager) post(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("slack returned status: %d", resp.StatusCode)
	default:
		return retry.Unrecoverable(fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode))
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
