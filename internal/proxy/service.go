package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/campfit/relay/internal/cache"
	"github.com/campfit/relay/internal/gateway"
	"github.com/campfit/relay/internal/reportlog"
)

const (
	keyMovementLib      = "movementLib"
	keyTrainingProgress = "trainingProgress"
	rosterKeyPrefix     = "roster_"
	diaryKeyPrefix      = "diary_"

	actionMovementLib      = "movementLib"
	actionTrainingProgress = "trainingProgress"
	actionDiary            = "diary"
)

var (
	errMissingGateway   = errors.New("gateway client is required")
	errMissingCache     = errors.New("cache store is required")
	errMissingReportLog = errors.New("report log writer is required")
	noOpLogger          = zap.NewNop()

	// ErrMissingUserID indicates a diary read or submission without a user
	// identifier. The HTTP layer maps it to a client error.
	ErrMissingUserID = errors.New("proxy: user identifier is required")
)

// ServiceError wraps a failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "proxy.service.new"
	opCachedRead   = "proxy.cached_read"
	opForceRefresh = "proxy.force_refresh"
	opRoster       = "proxy.roster"
	opDiary        = "proxy.diary"
	opSubmit       = "proxy.submit_report"
	opRelay        = "proxy.relay"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// GatewayClient is the outbound surface the proxy needs from the gateway.
type GatewayClient interface {
	FetchJSON(ctx context.Context, action string, params url.Values) (json.RawMessage, error)
	Relay(ctx context.Context, body []byte) (string, error)
	Meta(ctx context.Context) (gateway.Meta, error)
	Roster(ctx context.Context) (json.RawMessage, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Gateway   GatewayClient
	Cache     *cache.Store
	ReportLog *reportlog.Writer
	Clock     func() time.Time
	Logger    *zap.Logger

	MovementLibTTL time.Duration
	ProgressTTL    time.Duration
	DiaryTTL       time.Duration
}

// Service implements the cache-fronted proxy operations. It holds no mutable
// state of its own; concurrent stale reads may race to refetch and upsert the
// same key, which last-write-wins upserts tolerate.
type Service struct {
	gateway   GatewayClient
	cache     *cache.Store
	reportLog *reportlog.Writer
	clock     func() time.Time
	logger    *zap.Logger

	movementTTL time.Duration
	progressTTL time.Duration
	diaryTTL    time.Duration
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Gateway == nil {
		return nil, newServiceError(opServiceNew, "missing_gateway", errMissingGateway)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opServiceNew, "missing_cache", errMissingCache)
	}
	if cfg.ReportLog == nil {
		return nil, newServiceError(opServiceNew, "missing_report_log", errMissingReportLog)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		gateway:     cfg.Gateway,
		cache:       cfg.Cache,
		reportLog:   cfg.ReportLog,
		clock:       clock,
		logger:      logger,
		movementTTL: cfg.MovementLibTTL,
		progressTTL: cfg.ProgressTTL,
		diaryTTL:    cfg.DiaryTTL,
	}, nil
}

// MovementLibrary serves the movement library, from cache while fresh.
func (s *Service) MovementLibrary(ctx context.Context) (json.RawMessage, error) {
	return s.cachedResource(ctx, keyMovementLib, actionMovementLib, s.movementTTL)
}

// TrainingProgress serves the training progress sheet, from cache while fresh.
func (s *Service) TrainingProgress(ctx context.Context) (json.RawMessage, error) {
	return s.cachedResource(ctx, keyTrainingProgress, actionTrainingProgress, s.progressTTL)
}

func (s *Service) cachedResource(ctx context.Context, key, action string, ttl time.Duration) (json.RawMessage, error) {
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logError(opCachedRead, "cache_get_failed", err, zap.String("key", key))
		return nil, newServiceError(opCachedRead, "cache_get_failed", err)
	}
	if entry != nil && entry.FreshWithin(ttl, s.clock()) {
		return json.RawMessage(entry.Data), nil
	}

	payload, err := s.refetch(ctx, key, action)
	if err != nil {
		s.logError(opCachedRead, "refetch_failed", err, zap.String("key", key))
		return nil, newServiceError(opCachedRead, "refetch_failed", err)
	}
	return payload, nil
}

// refetch fetches one resource from the gateway and upserts the cache entry
// under key, stamping lastUpdate with the current time.
func (s *Service) refetch(ctx context.Context, key, action string) (json.RawMessage, error) {
	payload, err := s.gateway.FetchJSON(ctx, action, nil)
	if err != nil {
		return nil, err
	}

	err = s.cache.Upsert(ctx, cache.Entry{
		Key:        key,
		LastUpdate: s.clock().UTC().Format(time.RFC3339),
		Data:       string(payload),
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ForceRefreshProgress unconditionally refetches the training progress and
// drops the movement library entry. The two sheets change together when
// coaches update the camp spreadsheet, so a forced progress refresh also
// forces the next movement-library read to refetch.
func (s *Service) ForceRefreshProgress(ctx context.Context) (string, error) {
	if _, err := s.refetch(ctx, keyTrainingProgress, actionTrainingProgress); err != nil {
		s.logError(opForceRefresh, "refetch_failed", err)
		return "", newServiceError(opForceRefresh, "refetch_failed", err)
	}
	if err := s.cache.Delete(ctx, keyMovementLib); err != nil {
		s.logError(opForceRefresh, "invalidate_failed", err, zap.String("key", keyMovementLib))
		return "", newServiceError(opForceRefresh, "invalidate_failed", err)
	}
	return "training progress refreshed, movement library cache cleared", nil
}

// RosterResult is the roster payload returned to clients.
type RosterResult struct {
	OK         bool            `json:"ok"`
	CampID     string          `json:"campId"`
	Version    string          `json:"version"`
	Roster     json.RawMessage `json:"roster"`
	LastUpdate string          `json:"lastUpdate,omitempty"`
	Source     string          `json:"source"`
}

// Roster serves the camp roster. Staleness is version-driven: the cached
// copy is valid only while its stored version equals the gateway's current
// rosterVersion. The meta lookup itself is never cached.
func (s *Service) Roster(ctx context.Context, fresh bool) (RosterResult, error) {
	meta, err := s.gateway.Meta(ctx)
	if err != nil {
		s.logError(opRoster, "meta_fetch_failed", err)
		return RosterResult{}, newServiceError(opRoster, "meta_fetch_failed", err)
	}
	if !meta.OK || meta.CampID == "" {
		formatErr := &gateway.UpstreamFormatError{
			Action:  "meta",
			Preview: fmt.Sprintf("ok=%v campId=%q", meta.OK, meta.CampID),
		}
		s.logError(opRoster, "meta_invalid", formatErr)
		return RosterResult{}, newServiceError(opRoster, "meta_invalid", formatErr)
	}

	key := rosterKeyPrefix + meta.CampID
	if !fresh {
		entry, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logError(opRoster, "cache_get_failed", err, zap.String("key", key))
			return RosterResult{}, newServiceError(opRoster, "cache_get_failed", err)
		}
		if entry != nil && entry.Version == meta.RosterVersion {
			return RosterResult{
				OK:         true,
				CampID:     meta.CampID,
				Version:    entry.Version,
				Roster:     json.RawMessage(entry.Data),
				LastUpdate: entry.LastUpdate,
				Source:     "cache",
			}, nil
		}
	}

	roster, err := s.gateway.Roster(ctx)
	if err != nil {
		s.logError(opRoster, "roster_fetch_failed", err)
		return RosterResult{}, newServiceError(opRoster, "roster_fetch_failed", err)
	}

	lastUpdate := s.clock().UTC().Format(time.RFC3339)
	err = s.cache.Upsert(ctx, cache.Entry{
		Key:        key,
		LastUpdate: lastUpdate,
		Version:    meta.RosterVersion,
		Data:       string(roster),
	})
	if err != nil {
		s.logError(opRoster, "cache_upsert_failed", err, zap.String("key", key))
		return RosterResult{}, newServiceError(opRoster, "cache_upsert_failed", err)
	}

	return RosterResult{
		OK:         true,
		CampID:     meta.CampID,
		Version:    meta.RosterVersion,
		Roster:     roster,
		LastUpdate: lastUpdate,
		Source:     "fresh",
	}, nil
}

// diaryKey derives the cache key for a diary read. Distinct date ranges are
// cached under distinct keys; there is no range merging.
func diaryKey(userID, start, end string) string {
	key := diaryKeyPrefix + userID
	if start != "" || end != "" {
		key += "_" + start + "_" + end
	}
	return key
}

// Diary serves one user's diary entries for an optional date range. The
// gateway's business-level ok flag is relayed verbatim; only ok payloads are
// cached.
func (s *Service) Diary(ctx context.Context, userID, start, end string, fresh bool) (json.RawMessage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}

	key := diaryKey(userID, start, end)
	if !fresh {
		entry, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logError(opDiary, "cache_get_failed", err, zap.String("key", key))
			return nil, newServiceError(opDiary, "cache_get_failed", err)
		}
		if entry != nil && entry.FreshWithin(s.diaryTTL, s.clock()) {
			return json.RawMessage(entry.Data), nil
		}
	}

	params := url.Values{}
	params.Set("userId", userID)
	if start != "" {
		params.Set("start", start)
	}
	if end != "" {
		params.Set("end", end)
	}

	payload, err := s.gateway.FetchJSON(ctx, actionDiary, params)
	if err != nil {
		s.logError(opDiary, "gateway_fetch_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opDiary, "gateway_fetch_failed", err)
	}

	var probe struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.OK {
		err = s.cache.Upsert(ctx, cache.Entry{
			Key:        key,
			LastUpdate: s.clock().UTC().Format(time.RFC3339),
			Data:       string(payload),
		})
		if err != nil {
			// Refill failure leaves the client response intact; the next
			// read simply misses again.
			s.logError(opDiary, "cache_upsert_failed", err, zap.String("key", key))
		}
	}

	return payload, nil
}

// submissionPayload is the subset of the daily-report body the proxy
// inspects. The full body is relayed and logged untouched.
type submissionPayload struct {
	UserID    string `json:"userId"`
	DiaryDone bool   `json:"diaryDone"`
	DiaryText string `json:"diaryText"`
}

// SubmitDailyReport relays a daily check-in to the gateway, audit-logs the
// exchange, and invalidates diary caches when the submission wrote diary
// content. The audit write is best-effort and never affects the response.
func (s *Service) SubmitDailyReport(ctx context.Context, body []byte) (string, error) {
	var payload submissionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warn("daily report body is not valid JSON, relaying anyway",
			zap.String("operation", opSubmit), zap.Error(err))
	}
	userID := payload.UserID
	if userID == "" {
		userID = "unknown"
	}

	responseText, relayErr := s.gateway.Relay(ctx, body)

	if logErr := s.reportLog.Record(ctx, userID, body, responseText, relayErr); logErr != nil {
		s.logError(opSubmit, "audit_log_failed", logErr, zap.String("user_id", userID))
	}

	if relayErr != nil {
		s.logError(opSubmit, "relay_failed", relayErr, zap.String("user_id", userID))
		return "", newServiceError(opSubmit, "relay_failed", relayErr)
	}

	if !looksLikeFailure(responseText) && wroteDiary(payload) {
		deleted, err := s.cache.DeleteByPrefix(ctx, diaryKeyPrefix)
		if err != nil {
			s.logError(opSubmit, "diary_invalidate_failed", err)
		} else {
			s.logger.Info("diary caches invalidated after submission",
				zap.String("user_id", userID), zap.Int64("deleted", deleted))
		}
	}

	return responseText, nil
}

// Relay forwards an arbitrary JSON body to the gateway and returns its raw
// response text.
func (s *Service) Relay(ctx context.Context, body []byte) (string, error) {
	text, err := s.gateway.Relay(ctx, body)
	if err != nil {
		s.logError(opRelay, "relay_failed", err)
		return "", newServiceError(opRelay, "relay_failed", err)
	}
	return text, nil
}

// looksLikeFailure applies the gateway's informal response convention:
// failure texts start with a cross mark or mention an error keyword. The
// gateway publishes no formal contract for this text, so false positives and
// negatives only make invalidation conservative, never incorrect reads.
func looksLikeFailure(responseText string) bool {
	trimmed := strings.TrimSpace(responseText)
	if strings.HasPrefix(trimmed, "❌") {
		return true
	}
	return strings.Contains(strings.ToLower(trimmed), "error")
}

func wroteDiary(payload submissionPayload) bool {
	return strings.TrimSpace(payload.DiaryText) != "" || payload.DiaryDone
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("proxy service error", attrs...)
}
