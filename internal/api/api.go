package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/quant"
	"csgo-arbiter/internal/scheduler"
	"csgo-arbiter/internal/services/feed"
	"csgo-arbiter/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatsSource serves the statistics of one class, possibly through a cache.
type StatsSource interface {
	Statistics(ctx context.Context, classID uint) (models.PriceStatistics, error)
}

type FeedStatus interface {
	Status() feed.Status
}

type JobRunner interface {
	RunNow(ctx context.Context, name string) error
	Jobs() []scheduler.JobInfo
}

// Dependencies are the components the status surface reads from.
// Feed and Jobs may be nil when those components are disabled.
type Dependencies struct {
	Store  *store.Store
	Stats  StatsSource
	Gate   quant.Gate
	Feed   FeedStatus
	Jobs   JobRunner
	Logger *zap.Logger
}

type APIHandler struct {
	store  *store.Store
	stats  StatsSource
	gate   quant.Gate
	feed   FeedStatus
	jobs   JobRunner
	logger *zap.Logger
}

// NewRouter builds the status server: health, metrics and the /api/v1 group.
func NewRouter(deps Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logging.OrNop(deps.Logger).Named("http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	SetupRoutes(r.Group("/api/v1"), deps)
	return r
}

func SetupRoutes(r *gin.RouterGroup, deps Dependencies) *APIHandler {
	handler := &APIHandler{
		store:  deps.Store,
		stats:  deps.Stats,
		gate:   deps.Gate,
		feed:   deps.Feed,
		jobs:   deps.Jobs,
		logger: logging.OrNop(deps.Logger).Named("api"),
	}
	if handler.stats == nil {
		handler.stats = deps.Store
	}

	r.GET("/statistics", handler.ListStatistics)
	r.GET("/statistics/:classId", handler.GetStatistics)
	r.GET("/balance", handler.GetBalance)
	r.GET("/holdings", handler.ListHoldings)
	r.GET("/feed", handler.GetFeedStatus)

	jobs := r.Group("/jobs")
	{
		jobs.GET("", handler.ListJobs)
		jobs.POST("/:name/run", handler.RunJob)
	}
	return handler
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"code": status, "msg": msg})
}

// ListStatistics: GET /api/v1/statistics?reliable=true
func (h *APIHandler) ListStatistics(c *gin.Context) {
	ctx := c.Request.Context()
	onlyReliable := c.Query("reliable") == "true"

	classes, err := h.store.ItemClasses(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	names := make(map[uint]string, len(classes))
	for _, cl := range classes {
		names[cl.ID] = cl.Name
	}

	all, err := h.store.AllStatistics(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	items := make([]gin.H, 0, len(all))
	for _, st := range all {
		reliable := h.gate.Reliable(st)
		if onlyReliable && !reliable {
			continue
		}
		items = append(items, h.statsItem(names[st.ItemClassID], st, reliable))
	}
	ok(c, gin.H{"items": items, "total": len(items)})
}

// GetStatistics: GET /api/v1/statistics/:classId
func (h *APIHandler) GetStatistics(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("classId"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid class id")
		return
	}
	ctx := c.Request.Context()

	st, err := h.stats.Statistics(ctx, uint(id))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "no statistics for class")
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	var name string
	if cl, err := h.store.ItemClass(ctx, uint(id)); err == nil {
		name = cl.Name
	}
	ok(c, h.statsItem(name, st, h.gate.Reliable(st)))
}

func (h *APIHandler) statsItem(name string, st models.PriceStatistics, reliable bool) gin.H {
	item := gin.H{
		"item_class_id": st.ItemClassID,
		"name":          name,
		"mean_price":    st.MeanPrice,
		"sale_count":    st.SaleCount,
		"price_slope":   st.PriceSlope,
		"reliable":      reliable,
		"updated_at":    st.UpdatedAt,
	}
	if st.FloatMin != nil {
		item["float_min"] = *st.FloatMin
	}
	if st.FloatMax != nil {
		item["float_max"] = *st.FloatMax
	}
	if st.TimeCorrelation != nil {
		item["time_correlation"] = *st.TimeCorrelation
	}
	return item
}

// GetBalance: GET /api/v1/balance
func (h *APIHandler) GetBalance(c *gin.Context) {
	b, err := h.store.Balance(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "balance not fetched yet")
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	ok(c, b)
}

// ListHoldings: GET /api/v1/holdings
func (h *APIHandler) ListHoldings(c *gin.Context) {
	holdings, err := h.store.Holdings(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}
	ok(c, gin.H{"items": holdings, "total": len(holdings)})
}

// GetFeedStatus: GET /api/v1/feed
func (h *APIHandler) GetFeedStatus(c *gin.Context) {
	if h.feed == nil {
		ok(c, gin.H{"state": "disabled"})
		return
	}
	ok(c, h.feed.Status())
}

// ListJobs: GET /api/v1/jobs
func (h *APIHandler) ListJobs(c *gin.Context) {
	if h.jobs == nil {
		ok(c, gin.H{"items": []scheduler.JobInfo{}})
		return
	}
	ok(c, gin.H{"items": h.jobs.Jobs()})
}

// RunJob: POST /api/v1/jobs/:name/run starts the job in the background.
func (h *APIHandler) RunJob(c *gin.Context) {
	name := c.Param("name")
	if h.jobs == nil {
		fail(c, http.StatusNotFound, "scheduler disabled")
		return
	}

	var found *scheduler.JobInfo
	for _, j := range h.jobs.Jobs() {
		if j.Name == name {
			found = &j
			break
		}
	}
	if found == nil {
		fail(c, http.StatusNotFound, "unknown job")
		return
	}
	if found.Running {
		fail(c, http.StatusConflict, "job is already running")
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := h.jobs.RunNow(ctx, name); err != nil {
			h.logger.Warn("manual job run failed", zap.String("job", name), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "msg": "started", "data": gin.H{"job": name}})
}

func (h *APIHandler) internal(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	fail(c, http.StatusInternalServerError, "internal error")
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
