package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookvault/internal/errs"
)

var tracer = otel.Tracer("hookvault-transport")

// WebhookUsername is the author name shown on chunk messages.
const WebhookUsername = "fs"

// WebhookTransport stores chunks as message attachments through an
// execute-webhook endpoint and fetches them back from the attachment CDN URL.
type WebhookTransport struct {
	httpClient *http.Client
	username   string
}

// NewWebhookTransport creates a webhook transport. A nil client gets
// DefaultHTTPClient.
func NewWebhookTransport(httpClient *http.Client) *WebhookTransport {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &WebhookTransport{httpClient: httpClient, username: WebhookUsername}
}

// DefaultHTTPClient creates an HTTP client tuned for chunk transfers.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// per-chunk deadlines come from the context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

type webhookPayload struct {
	Username    string              `json:"username"`
	Attachments []attachmentPayload `json:"attachments"`
}

type attachmentPayload struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type webhookMessage struct {
	ID          string       `json:"id"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Upload posts payload as a single attachment named name and returns the
// attachment URL.
func (wt *WebhookTransport) Upload(ctx context.Context, endpointURL, name string, payload []byte) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "webhook.upload_chunk",
		trace.WithAttributes(
			attribute.String("chunk_name", name),
			attribute.Int("size_bytes", len(payload)),
		),
	)
	defer span.End()

	body, contentType, err := wt.multipartBody(name, payload)
	if err != nil {
		span.RecordError(err)
		return Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, Err: err}
	}

	target, err := withWait(endpointURL)
	if err != nil {
		return Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := wt.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return Receipt{}, classify(ctx, "upload", endpointURL, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp)
		span.RecordError(err)
		return Receipt{}, classify(ctx, "upload", endpointURL, resp, err)
	}

	var msg webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		// the message may or may not have been stored; treat as transient
		return Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(msg.Attachments) == 0 || msg.Attachments[0].URL == "" {
		return Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, StatusCode: resp.StatusCode, Transient: true, Err: errors.New("response has no attachment")}
	}

	att := msg.Attachments[0]
	span.SetAttributes(attribute.Bool("upload_success", true))
	return Receipt{Locator: att.URL, Size: att.Size}, nil
}

// Download fetches an attachment by its URL. Expired attachment URLs come back
// as 403/404 and are reported as permanent failures.
func (wt *WebhookTransport) Download(ctx context.Context, locator string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "webhook.download_chunk")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, &errs.TransportError{Op: "download", URL: locator, Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := wt.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, classify(ctx, "download", locator, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		span.RecordError(err)
		return nil, classify(ctx, "download", locator, resp, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, &errs.TransportError{Op: "download", URL: locator, StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("read body: %w", err)}
	}

	span.SetAttributes(
		attribute.Int("size_bytes", len(data)),
		attribute.Bool("download_success", true),
	)
	return data, nil
}

func (wt *WebhookTransport) multipartBody(name string, payload []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(webhookPayload{
		Username:    wt.username,
		Attachments: []attachmentPayload{{ID: 0, Filename: name}},
	})
	if err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("payload_json", string(meta)); err != nil {
		return nil, "", err
	}

	part, err := mw.CreateFormFile("files[0]", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func withWait(endpointURL string) (string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func statusError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(errorBody[:n]))
}

// classify uses the retryablehttp default policy: connection errors, 429 and
// 5xx (except 501) are transient, everything else is permanent.
func classify(ctx context.Context, op, rawURL string, resp *http.Response, cause error) error {
	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, resp, respErr(resp, cause))
	te := &errs.TransportError{Op: op, URL: rawURL, Transient: retry, Err: cause}
	if resp != nil {
		te.StatusCode = resp.StatusCode
	}
	return te
}

// respErr hides the status error from the policy when a response exists, so
// the decision is made on the status code alone.
func respErr(resp *http.Response, cause error) error {
	if resp != nil {
		return nil
	}
	return cause
}
