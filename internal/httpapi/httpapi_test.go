package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/relay"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging/adapters/memory"
)

type sqliteSQL struct{ db *gorm.DB }

func (s sqliteSQL) Get(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }
func (s sqliteSQL) GetShard(ctx context.Context, _ string) (*gorm.DB, error) {
	return s.db.WithContext(ctx), nil
}
func (s sqliteSQL) Close() error { return nil }

type fakeSchemaRegistry struct{}

func (fakeSchemaRegistry) SchemaID(ctx context.Context, subject string) (int32, error) {
	return 1, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&outbox.Row{}))

	cfg := relay.DefaultConfig()
	cfg.Store = store.DefaultConfig()
	cfg.Consumer.ConsumerGroup = "test-group"

	svc, err := relay.New(cfg, sqliteSQL{db: db}, memory.New(memory.Config{BufferSize: 10}), fakeSchemaRegistry{}, nil)
	require.NoError(t, err)

	return NewHandler(svc)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTrigger_RejectsNonPost(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/trigger", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestTrigger_ReturnsSuccessAndCount(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body triggerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.True(t, body.Success)
	require.Equal(t, 0, body.MessagesAdded)
}

func TestStatz_ReflectsManualTriggerCount(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/statz", nil)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)

	var stats statsResponse
	require.NoError(t, json.NewDecoder(w2.Body).Decode(&stats))
	require.Equal(t, int64(1), stats.ManualTriggerCount)
	require.WithinDuration(t, time.Now(), time.Unix(stats.NowUnix, 0), 2*time.Second)
}
