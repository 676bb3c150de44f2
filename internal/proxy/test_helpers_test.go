package proxy

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/campfit/relay/internal/cache"
	"github.com/campfit/relay/internal/gateway"
	"github.com/campfit/relay/internal/reportlog"
)

// gatewayStub counts calls per action so tests can assert exactly when the
// proxy goes upstream.
type gatewayStub struct {
	fetchCalls     map[string]int
	fetchResponses map[string]string
	fetchErr       error

	relayCalls    int
	relayBodies   []string
	relayResponse string
	relayErr      error

	metaCalls int
	meta      gateway.Meta
	metaErr   error

	rosterCalls   int
	rosterPayload string
	rosterErr     error
}

func newGatewayStub() *gatewayStub {
	return &gatewayStub{
		fetchCalls:     map[string]int{},
		fetchResponses: map[string]string{},
	}
}

func (g *gatewayStub) FetchJSON(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	g.fetchCalls[action]++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return json.RawMessage(g.fetchResponses[action]), nil
}

func (g *gatewayStub) Relay(ctx context.Context, body []byte) (string, error) {
	g.relayCalls++
	g.relayBodies = append(g.relayBodies, string(body))
	if g.relayErr != nil {
		return "", g.relayErr
	}
	return g.relayResponse, nil
}

func (g *gatewayStub) Meta(ctx context.Context) (gateway.Meta, error) {
	g.metaCalls++
	if g.metaErr != nil {
		return gateway.Meta{}, g.metaErr
	}
	return g.meta, nil
}

func (g *gatewayStub) Roster(ctx context.Context) (json.RawMessage, error) {
	g.rosterCalls++
	if g.rosterErr != nil {
		return nil, g.rosterErr
	}
	return json.RawMessage(g.rosterPayload), nil
}

type testFixture struct {
	service *Service
	store   *cache.Store
	db      *gorm.DB
	gateway *gatewayStub
	now     *time.Time
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
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

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	fixture := &testFixture{now: &now, gateway: newGatewayStub()}
	clock := func() time.Time { return *fixture.now }

	store, err := cache.NewStore(cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	writer, err := reportlog.NewWriter(reportlog.WriterConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build report log writer: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Gateway:        fixture.gateway,
		Cache:          store,
		ReportLog:      writer,
		Clock:          clock,
		MovementLibTTL: 12 * time.Hour,
		ProgressTTL:    12 * time.Hour,
		DiaryTTL:       24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	fixture.service = service
	fixture.store = store
	fixture.db = db
	return fixture
}

func (f *testFixture) seedEntry(t *testing.T, entry cache.Entry) {
	t.Helper()
	if err := f.store.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}
}

func (f *testFixture) mustGet(t *testing.T, key string) *cache.Entry {
	t.Helper()
	entry, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("cache get failed: %v", err)
	}
	return entry
}
