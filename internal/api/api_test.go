package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"csgo-arbiter/internal/metrics"
	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/quant"
	"csgo-arbiter/internal/scheduler"
	"csgo-arbiter/internal/services/feed"
	"csgo-arbiter/internal/store"
	"csgo-arbiter/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeFeed struct{}

func (fakeFeed) Status() feed.Status {
	return feed.Status{State: feed.Receiving.String(), Sessions: 2, Events: 10}
}

type fakeJobs struct {
	mu  sync.Mutex
	ran []string
	hit chan string
}

func (f *fakeJobs) Jobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "relist", Spec: "@hourly"}, {Name: "busy", Spec: "@daily", Running: true}}
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	f.mu.Lock()
	f.ran = append(f.ran, name)
	f.mu.Unlock()
	f.hit <- name
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func setup(t *testing.T) (*gin.Engine, *store.Store, *fakeJobs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st := store.New(testutil.NewDB(t))

	require.NoError(t, st.UpsertItemClass(ctx, &models.ItemClass{ExternalID: "ak", Name: "AK-47 | Redline"}))
	require.NoError(t, st.UpsertItemClass(ctx, &models.ItemClass{ExternalID: "awp", Name: "AWP | Asiimov"}))
	ak, err := st.ItemClassByExternalID(ctx, "ak")
	require.NoError(t, err)
	awp, err := st.ItemClassByExternalID(ctx, "awp")
	require.NoError(t, err)
	lo, hi := 0.15, 0.37
	require.NoError(t, st.UpsertStatistics(ctx, &models.PriceStatistics{ItemClassID: ak.ID, MeanPrice: 12.5, SaleCount: 400, FloatMin: &lo, FloatMax: &hi}))
	require.NoError(t, st.UpsertStatistics(ctx, &models.PriceStatistics{ItemClassID: awp.ID, MeanPrice: 80, SaleCount: 50}))

	reg := prometheus.NewRegistry()
	metrics.New(reg).Decision("profitable")

	jobs := &fakeJobs{hit: make(chan string, 1)}
	r := NewRouter(Dependencies{
		Store:  st,
		Gate:   quant.DefaultGate(),
		Feed:   fakeFeed{},
		Jobs:   jobs,
		Logger: zaptest.NewLogger(t),
	}, reg)
	return r, st, jobs
}

func do(t *testing.T, r http.Handler, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestHealthAndMetrics(t *testing.T) {
	r, _, _ := setup(t)

	w, _ := do(t, r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `arbiter_decisions_total{outcome="profitable"} 1`)
}

func TestStatisticsEndpoints(t *testing.T) {
	r, _, _ := setup(t)

	w, env := do(t, r, http.MethodGet, "/api/v1/statistics")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []map[string]interface{} `json:"items"`
		Total int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 2, list.Total)

	_, env = do(t, r, http.MethodGet, "/api/v1/statistics?reliable=true")
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "AK-47 | Redline", list.Items[0]["name"])
	assert.Equal(t, 0.15, list.Items[0]["float_min"])

	w, env = do(t, r, http.MethodGet, "/api/v1/statistics/2")
	require.Equal(t, http.StatusOK, w.Code)
	var one map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &one))
	assert.Equal(t, "AWP | Asiimov", one["name"])
	assert.Equal(t, false, one["reliable"])

	w, _ = do(t, r, http.MethodGet, "/api/v1/statistics/999")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(t, r, http.MethodGet, "/api/v1/statistics/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBalanceAndHoldings(t *testing.T) {
	r, st, _ := setup(t)
	ctx := context.Background()

	w, _ := do(t, r, http.MethodGet, "/api/v1/balance")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, st.SetBalance(ctx, 42.5))
	require.NoError(t, st.UpsertListing(ctx, &models.MarketListing{ID: "L1", ItemClassID: 1, Price: 10, ListedAt: time.Now().UTC()}))
	require.NoError(t, st.UpsertHolding(ctx, &models.Holding{ListingID: "L1", ItemClassID: 1, BuyPrice: 10, Status: models.HoldingBought}))

	w, env := do(t, r, http.MethodGet, "/api/v1/balance")
	require.Equal(t, http.StatusOK, w.Code)
	var b models.Balance
	require.NoError(t, json.Unmarshal(env.Data, &b))
	assert.Equal(t, 42.5, b.Amount)

	_, env = do(t, r, http.MethodGet, "/api/v1/holdings")
	var holdings struct {
		Items []models.Holding `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &holdings))
	require.Len(t, holdings.Items, 1)
	assert.Equal(t, "L1", holdings.Items[0].ListingID)
}

func TestFeedStatus(t *testing.T) {
	r, _, _ := setup(t)
	_, env := do(t, r, http.MethodGet, "/api/v1/feed")
	var s feed.Status
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Equal(t, "receiving", s.State)
	assert.EqualValues(t, 10, s.Events)
}

func TestRunJob(t *testing.T) {
	r, _, jobs := setup(t)

	w, _ := do(t, r, http.MethodPost, "/api/v1/jobs/relist/run")
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case name := <-jobs.hit:
		assert.Equal(t, "relist", name)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not started")
	}

	w, _ = do(t, r, http.MethodPost, "/api/v1/jobs/busy/run")
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = do(t, r, http.MethodPost, "/api/v1/jobs/nope/run")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env := do(t, r, http.MethodGet, "/api/v1/jobs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"relist"`)
}
