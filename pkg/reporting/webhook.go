package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudless/autoheal/pkg/resilience"
	"go.uber.org/zap"
)

const (
	// DefaultWebhookTimeout bounds one delivery including retries.
	DefaultWebhookTimeout = 15 * time.Second

	// DefaultWebhookBase is used to resolve relative webhook URLs.
	DefaultWebhookBase = "https://hooks.slack.com/"
)

// DeliveryError is returned when the webhook answers with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Status     string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed: %s", e.Status)
}

// IsTransientDelivery reports whether err is a delivery failure worth
// retrying: a request timeout or any server error.
func IsTransientDelivery(err error) bool {
	var de *DeliveryError
	if !errors.As(err, &de) {
		return false
	}
	return de.StatusCode == http.StatusRequestTimeout || de.StatusCode >= http.StatusInternalServerError
}

// Authorization is sent as "<Scheme> <Parameter>".
type Authorization struct {
	Scheme    string `mapstructure:"scheme" yaml:"scheme"`
	Parameter string `mapstructure:"parameter" yaml:"parameter"`
}

// WebhookOptions configures a WebhookReporter.
type WebhookOptions struct {
	URL           string
	Timeout       time.Duration
	Authorization *Authorization
	Headers       map[string]string
	HTTPClient    *http.Client
}

// WebhookReporter posts Slack-style attachment messages to a webhook.
type WebhookReporter struct {
	url     string
	timeout time.Duration
	auth    *Authorization
	headers map[string]string
	client  *http.Client
	retry   *resilience.RetryProvider
	logger  *zap.Logger
}

// NewWebhookReporter validates opts and creates a reporter. Relative URLs are
// resolved against DefaultWebhookBase.
func NewWebhookReporter(opts WebhookOptions, retry *resilience.RetryProvider, logger *zap.Logger) (*WebhookReporter, error) {
	target, err := resolveWebhookURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = resilience.NewRetryProvider(resilience.RetryOptions{Delays: []time.Duration{}}, logger)
	}
	r := &WebhookReporter{
		url:     target,
		timeout: opts.Timeout,
		auth:    opts.Authorization,
		headers: opts.Headers,
		client:  opts.HTTPClient,
		retry:   retry,
		logger:  logger.Named("webhook"),
	}
	if r.timeout <= 0 {
		r.timeout = DefaultWebhookTimeout
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	return r, nil
}

func resolveWebhookURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("webhook url is required")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("webhook url scheme %q is not supported", ref.Scheme)
		}
		return ref.String(), nil
	}
	base, _ := url.Parse(DefaultWebhookBase)
	return base.ResolveReference(ref).String(), nil
}

// Send delivers report. Failures are logged and dropped.
func (r *WebhookReporter) Send(ctx context.Context, report Report) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(newSlackMessage(report))
	if err != nil {
		r.logger.Error("Report encoding failed", zap.Error(err))
		return
	}

	_, err = resilience.RetryOn(ctx, r.retry, IsTransientDelivery, nil,
		func(ctx context.Context) (int, error) {
			return r.post(ctx, payload)
		},
	)
	if err != nil {
		r.logger.Error("Report sending failed",
			zap.String("operation", string(report.Operation)),
			zap.Error(err),
		)
	}
}

func (r *WebhookReporter) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.auth != nil && r.auth.Scheme != "" {
		req.Header.Set("Authorization", r.auth.Scheme+" "+r.auth.Parameter)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	r.logger.Debug("Report sent",
		zap.String("url", r.url),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp.StatusCode, nil
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	MrkdwnIn []string     `json:"mrkdwn_in"`
	Color    string       `json:"color"`
	Pretext  string       `json:"pretext"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields"`
	Footer   string       `json:"footer"`
	Ts       int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value,omitempty"`
}

func newSlackMessage(report Report) slackMessage {
	event, color := "Restart", "warning"
	if report.Operation == OperationKill {
		event, color = "Kill", "danger"
	}

	s := summarize(report.Container)
	fields := []slackField{
		{Title: "Container id", Value: code(s.ID)},
		{Title: "Container number", Value: code(s.Number)},
		{Title: "Service", Value: code(s.Service)},
		{Title: "Image", Value: code(s.Image)},
		{Title: "Status", Value: code(s.Status)},
		{Title: "Exit code", Value: code(fmt.Sprint(s.ExitCode))},
		{Title: "Logs"},
	}
	for _, entry := range s.Health {
		raw, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		fields = append(fields, slackField{Value: code(string(raw)) + "\n"})
	}

	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return slackMessage{
		Attachments: []slackAttachment{{
			MrkdwnIn: []string{"text"},
			Color:    color,
			Pretext:  "*Event:* " + event,
			Text:     "_" + report.Message + "_",
			Fields:   fields,
			Footer:   "Date:",
			Ts:       ts.Unix(),
		}},
	}
}

func code(s string) string {
	return "`" + s + "`"
}
