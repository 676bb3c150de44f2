package integration_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campfit/relay/internal/cache"
	"github.com/campfit/relay/internal/gateway"
	"github.com/campfit/relay/internal/linebot"
	"github.com/campfit/relay/internal/proxy"
	"github.com/campfit/relay/internal/reportlog"
	"github.com/campfit/relay/internal/server"
)

// fakeGateway imitates the scripting backend: GET requests dispatch on the
// action query parameter, POST requests get a plain-text acknowledgment.
type fakeGateway struct {
	movementCalls int
	progressCalls int
	metaCalls     int
	namesCalls    int
	diaryCalls    int
	postCalls     int

	rosterVersion string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		g.postCalls++
		io.WriteString(w, "✅ recorded")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Query().Get("action") {
	case "movementLib":
		g.movementCalls++
		io.WriteString(w, `{"movements":["squat","deadlift"]}`)
	case "trainingProgress":
		g.progressCalls++
		io.WriteString(w, `{"week":3,"completion":0.8}`)
	case "meta":
		g.metaCalls++
		io.WriteString(w, `{"ok":true,"campId":"camp7","rosterVersion":"`+g.rosterVersion+`"}`)
	case "names":
		g.namesCalls++
		io.WriteString(w, `[{"label":"Kiki","value":"kiki"},{"label":"Momo","value":"momo"}]`)
	case "diary":
		g.diaryCalls++
		io.WriteString(w, `{"ok":true,"entries":[{"date":"2026-07-01","content":"day one"}]}`)
	default:
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>unknown action</html>")
	}
}

func newStack(t *testing.T, upstream *fakeGateway) (*httptest.Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstreamServer := httptest.NewServer(upstream)
	t.Cleanup(upstreamServer.Close)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&cache.Entry{}, &reportlog.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := cache.NewStore(cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	writer, err := reportlog.NewWriter(reportlog.WriterConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build report log writer: %v", err)
	}
	gatewayClient, err := gateway.NewClient(gateway.ClientConfig{BaseURL: upstreamServer.URL})
	if err != nil {
		t.Fatalf("failed to build gateway client: %v", err)
	}
	service, err := proxy.NewService(proxy.ServiceConfig{
		Gateway:        gatewayClient,
		Cache:          store,
		ReportLog:      writer,
		Logger:         zap.NewNop(),
		MovementLibTTL: 12 * time.Hour,
		ProgressTTL:    12 * time.Hour,
		DiaryTTL:       24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ProxyService: service,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	apiServer := httptest.NewServer(handler)
	t.Cleanup(apiServer.Close)
	return apiServer, db
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return response.StatusCode, string(body)
}

func TestCachedReadsHitUpstreamOnce(t *testing.T) {
	upstream := &fakeGateway{rosterVersion: "v1"}
	apiServer, _ := newStack(t, upstream)

	status, body := getBody(t, apiServer.URL+"/movement-lib")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, body)
	}
	if body != `{"movements":["squat","deadlift"]}` {
		t.Fatalf("unexpected first body: %s", body)
	}

	status, secondBody := getBody(t, apiServer.URL+"/movement-lib")
	if status != http.StatusOK {
		t.Fatalf("expected 200 on cache hit, got %d", status)
	}
	if secondBody != body {
		t.Fatalf("expected byte-identical cached body, got %s", secondBody)
	}
	if upstream.movementCalls != 1 {
		t.Fatalf("expected one upstream fetch across both reads, got %d", upstream.movementCalls)
	}
}

func TestRosterVersionDrivenCaching(t *testing.T) {
	upstream := &fakeGateway{rosterVersion: "v1"}
	apiServer, _ := newStack(t, upstream)

	status, body := getBody(t, apiServer.URL+"/roster")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, body)
	}
	var first struct {
		Source  string `json:"source"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(body), &first); err != nil {
		t.Fatalf("roster response is not JSON: %v", err)
	}
	if first.Source != "fresh" {
		t.Fatalf("expected fresh on first read, got %q", first.Source)
	}

	_, body = getBody(t, apiServer.URL+"/roster")
	var second struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(body), &second); err != nil {
		t.Fatalf("roster response is not JSON: %v", err)
	}
	if second.Source != "cache" {
		t.Fatalf("expected cache on second read, got %q", second.Source)
	}
	if upstream.namesCalls != 1 {
		t.Fatalf("expected one names fetch while version is stable, got %d", upstream.namesCalls)
	}
	if upstream.metaCalls != 2 {
		t.Fatalf("expected meta fetched on every read, got %d", upstream.metaCalls)
	}

	// A version bump on the gateway must force the next read to refetch.
	upstream.rosterVersion = "v2"
	_, body = getBody(t, apiServer.URL+"/roster")
	var third struct {
		Source  string `json:"source"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(body), &third); err != nil {
		t.Fatalf("roster response is not JSON: %v", err)
	}
	if third.Source != "fresh" || third.Version != "v2" {
		t.Fatalf("expected fresh v2 after version bump, got %+v", third)
	}
	if upstream.namesCalls != 2 {
		t.Fatalf("expected second names fetch after version bump, got %d", upstream.namesCalls)
	}
}

func TestDiarySubmissionInvalidatesDiaryCache(t *testing.T) {
	upstream := &fakeGateway{rosterVersion: "v1"}
	apiServer, db := newStack(t, upstream)

	// Prime a diary cache entry.
	status, _ := getBody(t, apiServer.URL+"/diary?userId=kiki")
	if status != http.StatusOK {
		t.Fatalf("expected 200 priming diary cache, got %d", status)
	}
	if upstream.diaryCalls != 1 {
		t.Fatalf("expected one diary fetch, got %d", upstream.diaryCalls)
	}

	// Cached read does not touch upstream.
	if status, _ := getBody(t, apiServer.URL+"/diary?userId=kiki"); status != http.StatusOK {
		t.Fatalf("expected 200 on cached diary read, got %d", status)
	}
	if upstream.diaryCalls != 1 {
		t.Fatalf("expected cached diary read, got %d upstream calls", upstream.diaryCalls)
	}

	// Submit a report with diary content.
	response, err := http.Post(apiServer.URL+"/daily-report", "application/json",
		strings.NewReader(`{"userId":"kiki","diaryText":"today was good"}`))
	if err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	defer response.Body.Close()
	text, _ := io.ReadAll(response.Body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if string(text) != "✅ recorded" {
		t.Fatalf("expected gateway text relayed, got %q", text)
	}

	var logCount int64
	if err := db.Model(&reportlog.Entry{}).Count(&logCount).Error; err != nil {
		t.Fatalf("log count failed: %v", err)
	}
	if logCount != 1 {
		t.Fatalf("expected one audit entry, got %d", logCount)
	}

	// The invalidation forces the next diary read back upstream.
	if status, _ := getBody(t, apiServer.URL+"/diary?userId=kiki"); status != http.StatusOK {
		t.Fatalf("expected 200 after invalidation, got %d", status)
	}
	if upstream.diaryCalls != 2 {
		t.Fatalf("expected diary refetch after submission, got %d upstream calls", upstream.diaryCalls)
	}
}

func TestForceRefreshThroughWebhookBridge(t *testing.T) {
	upstream := &fakeGateway{rosterVersion: "v1"}
	gin.SetMode(gin.TestMode)

	upstreamServer := httptest.NewServer(upstream)
	defer upstreamServer.Close()

	var replyText string
	replyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var request struct {
			Messages []struct {
				Text string `json:"text"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(body, &request); err == nil && len(request.Messages) == 1 {
			replyText = request.Messages[0].Text
		}
	}))
	defer replyServer.Close()

	db, err := gorm.Open(sqlite.Open("file:integration_webhook?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	if err := db.AutoMigrate(&cache.Entry{}, &reportlog.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, _ := cache.NewStore(cache.StoreConfig{Database: db})
	writer, _ := reportlog.NewWriter(reportlog.WriterConfig{Database: db})
	gatewayClient, _ := gateway.NewClient(gateway.ClientConfig{BaseURL: upstreamServer.URL})
	service, err := proxy.NewService(proxy.ServiceConfig{
		Gateway:        gatewayClient,
		Cache:          store,
		ReportLog:      writer,
		MovementLibTTL: 12 * time.Hour,
		ProgressTTL:    12 * time.Hour,
		DiaryTTL:       24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	// The refresh target and the webhook receiver are the same service in
	// production; two listeners sharing one service keep the test simple.
	refreshHandler, err := server.NewHTTPHandler(server.Dependencies{ProxyService: service})
	if err != nil {
		t.Fatalf("failed to build refresh handler: %v", err)
	}
	refreshAPI := httptest.NewServer(refreshHandler)
	defer refreshAPI.Close()

	bridge, err := linebot.NewBridge(linebot.BridgeConfig{
		ChannelToken:   "channel-secret",
		ReplyURL:       replyServer.URL,
		RefreshCommand: "refresh progress",
		RefreshURL:     refreshAPI.URL + "/training-progress/refresh",
	})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}

	webhookHandler, err := server.NewHTTPHandler(server.Dependencies{
		ProxyService: service,
		Bridge:       bridge,
	})
	if err != nil {
		t.Fatalf("failed to build webhook handler: %v", err)
	}
	webhookAPI := httptest.NewServer(webhookHandler)
	defer webhookAPI.Close()

	webhookEvent := `{"events":[{"type":"message","replyToken":"tok","message":{"type":"text","text":"refresh progress"}}]}`
	response, err := http.Post(webhookAPI.URL+"/webhook/line", "application/json", strings.NewReader(webhookEvent))
	if err != nil {
		t.Fatalf("webhook post failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d", response.StatusCode)
	}

	if upstream.progressCalls != 1 {
		t.Fatalf("expected force refresh to hit upstream once, got %d", upstream.progressCalls)
	}
	if replyText == "" || !strings.Contains(replyText, "refreshed") {
		t.Fatalf("expected confirmation relayed to chat, got %q", replyText)
	}
}
