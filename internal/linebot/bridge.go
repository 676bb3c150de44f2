package linebot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	eventTypeMessage = "message"
	messageTypeText  = "text"

	fallbackReplyText   = "refresh failed, please try again later"
	unknownCommandReply = "command not recognized"
)

var (
	errMissingChannelToken = errors.New("channel token is required")
	errMissingReplyURL     = errors.New("reply URL is required")
	errMissingRefreshURL   = errors.New("refresh URL is required")
	noOpLogger             = zap.NewNop()
)

type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type       string         `json:"type"`
	ReplyToken string         `json:"replyToken"`
	Message    webhookMessage `json:"message"`
}

type webhookMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string         `json:"replyToken"`
	Messages   []replyMessage `json:"messages"`
}

type replyMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BridgeConfig describes the dependencies of a Bridge.
type BridgeConfig struct {
	ChannelToken   string
	ReplyURL       string
	RefreshCommand string
	RefreshURL     string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Bridge turns chat-platform webhook events into proxy operations. A
// recognized command triggers the force-refresh endpoint over HTTP and the
// gateway's confirmation text is relayed back through the platform's reply
// API. Unrecognized event shapes are expected traffic and acknowledged
// silently.
type Bridge struct {
	channelToken   string
	replyURL       string
	refreshCommand string
	refreshURL     string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewBridge validates dependencies and returns a Bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if strings.TrimSpace(cfg.ChannelToken) == "" {
		return nil, fmt.Errorf("linebot.bridge.new: %w", errMissingChannelToken)
	}
	if strings.TrimSpace(cfg.ReplyURL) == "" {
		return nil, fmt.Errorf("linebot.bridge.new: %w", errMissingReplyURL)
	}
	if strings.TrimSpace(cfg.RefreshURL) == "" {
		return nil, fmt.Errorf("linebot.bridge.new: %w", errMissingRefreshURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Bridge{
		channelToken:   cfg.ChannelToken,
		replyURL:       cfg.ReplyURL,
		refreshCommand: strings.TrimSpace(cfg.RefreshCommand),
		refreshURL:     cfg.RefreshURL,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// Process handles one webhook delivery. Only the first event is inspected.
// A nil return acknowledges the delivery; a non-nil return signals a reply
// failure that the HTTP layer surfaces as a server error. Nothing here may
// panic back into the platform's delivery path, which would trigger retries
// and duplicate deliveries.
func (b *Bridge) Process(ctx context.Context, body []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		b.logger.Warn("webhook payload is not valid JSON", zap.Error(err))
		return nil
	}
	if len(payload.Events) == 0 {
		return nil
	}

	event := payload.Events[0]
	if event.Type != eventTypeMessage || event.Message.Type != messageTypeText {
		return nil
	}

	replyText := unknownCommandReply
	if strings.TrimSpace(event.Message.Text) == b.refreshCommand {
		replyText = b.triggerRefresh(ctx)
	}

	if err := b.reply(ctx, event.ReplyToken, replyText); err != nil {
		b.logger.Error("webhook reply failed", zap.Error(err))
		return err
	}
	return nil
}

// triggerRefresh calls the force-refresh endpoint and returns its text, or a
// fixed fallback when the call fails.
func (b *Bridge) triggerRefresh(ctx context.Context) string {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.refreshURL, http.NoBody)
	if err != nil {
		b.logger.Error("building refresh request failed", zap.Error(err))
		return fallbackReplyText
	}

	response, err := b.httpClient.Do(request)
	if err != nil {
		b.logger.Error("refresh call failed", zap.Error(err))
		return fallbackReplyText
	}
	defer response.Body.Close()

	text, err := io.ReadAll(response.Body)
	if err != nil {
		b.logger.Error("reading refresh response failed", zap.Error(err))
		return fallbackReplyText
	}
	if response.StatusCode != http.StatusOK {
		b.logger.Warn("refresh endpoint returned non-OK status",
			zap.Int("status", response.StatusCode),
			zap.String("body", string(text)))
		return fallbackReplyText
	}
	return string(text)
}

func (b *Bridge) reply(ctx context.Context, replyToken, text string) error {
	body, err := json.Marshal(replyRequest{
		ReplyToken: replyToken,
		Messages:   []replyMessage{{Type: messageTypeText, Text: text}},
	})
	if err != nil {
		return fmt.Errorf("linebot.reply: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.replyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("linebot.reply: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+b.channelToken)

	response, err := b.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("linebot.reply: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(response.Body, 300))
		return fmt.Errorf("linebot.reply: reply API status %d: %s", response.StatusCode, string(preview))
	}
	return nil
}
