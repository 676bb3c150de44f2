package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	actionParam  = "action"
	previewLimit = 300
)

var (
	errMissingBaseURL = errors.New("gateway base URL is required")
	noOpLogger        = zap.NewNop()
)

// UpstreamFormatError reports a gateway response that violated the expected
// contract (non-JSON content type, or a payload of the wrong shape). It
// carries a truncated body preview for operator diagnosis and maps to a 502
// at the HTTP layer.
type UpstreamFormatError struct {
	Action      string
	ContentType string
	Preview     string
}

func (e *UpstreamFormatError) Error() string {
	return fmt.Sprintf("gateway returned unexpected format for action %q (content-type %q): %s",
		e.Action, e.ContentType, e.Preview)
}

// Meta is the lightweight staleness metadata the gateway reports for the
// current camp. It is never cached.
type Meta struct {
	OK            bool   `json:"ok"`
	CampID        string `json:"campId"`
	RosterVersion string `json:"rosterVersion"`
}

// ClientConfig describes the dependencies of a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client speaks to the spreadsheet-backed scripting gateway. Reads are
// query-parameterized GETs selected by an action parameter; writes are JSON
// POSTs whose response text is opaque and relayed byte-for-byte.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates dependencies and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("gateway.client.new: %w", errMissingBaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{baseURL: cfg.BaseURL, httpClient: httpClient, logger: logger}, nil
}

// FetchJSON issues a GET for the given action and returns the raw JSON
// payload. A non-JSON content type is an UpstreamFormatError, not a
// transport failure.
func (c *Client) FetchJSON(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	requestURL, err := c.buildURL(action, params)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("gateway.fetch %q: %w", action, err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("gateway.fetch %q: %w", action, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway.fetch %q: read body: %w", action, err)
	}

	contentType := response.Header.Get("Content-Type")
	if !isJSONContentType(contentType) {
		formatErr := &UpstreamFormatError{
			Action:      action,
			ContentType: contentType,
			Preview:     preview(body),
		}
		c.logger.Warn("gateway returned non-JSON response",
			zap.String("action", action),
			zap.String("content_type", contentType),
			zap.String("body_preview", formatErr.Preview))
		return nil, formatErr
	}

	if !json.Valid(body) {
		formatErr := &UpstreamFormatError{
			Action:      action,
			ContentType: contentType,
			Preview:     preview(body),
		}
		c.logger.Warn("gateway returned malformed JSON",
			zap.String("action", action),
			zap.String("body_preview", formatErr.Preview))
		return nil, formatErr
	}

	return json.RawMessage(body), nil
}

// Relay posts the raw client body to the gateway unmodified and returns the
// response text verbatim. Only transport failures are errors; the gateway's
// own status and body are opaque to the proxy.
func (c *Client) Relay(ctx context.Context, body []byte) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gateway.relay: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("gateway.relay: %w", err)
	}
	defer response.Body.Close()

	text, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("gateway.relay: read body: %w", err)
	}
	return string(text), nil
}

// Meta fetches the current campId and rosterVersion.
func (c *Client) Meta(ctx context.Context) (Meta, error) {
	payload, err := c.FetchJSON(ctx, "meta", nil)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return Meta{}, &UpstreamFormatError{
			Action:      "meta",
			ContentType: "application/json",
			Preview:     preview(payload),
		}
	}
	return meta, nil
}

// Roster fetches the full name list. The payload must be a JSON array of
// {label, value} options; anything else is an UpstreamFormatError.
func (c *Client) Roster(ctx context.Context) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("format", "object")
	payload, err := c.FetchJSON(ctx, "names", params)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &UpstreamFormatError{
			Action:      "names",
			ContentType: "application/json",
			Preview:     preview(payload),
		}
	}
	return payload, nil
}

func (c *Client) buildURL(action string, params url.Values) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("gateway.url %q: %w", action, err)
	}
	query := parsed.Query()
	query.Set(actionParam, action)
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func isJSONContentType(contentType string) bool {
	normalized := strings.ToLower(contentType)
	return strings.Contains(normalized, "application/json") || strings.Contains(normalized, "text/json")
}

func preview(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > previewLimit {
		return text[:previewLimit] + "..."
	}
	return text
}
