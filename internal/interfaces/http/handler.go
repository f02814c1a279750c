package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"fxbridge/internal/application/contract"
	"fxbridge/internal/application/service/preview"
	"fxbridge/internal/application/service/status"
	"fxbridge/internal/config"
	"fxbridge/internal/domain/entity/marketdata"
	"fxbridge/internal/domain/interfaces"
)

const apiBasePath = "/api"

var (
	errUnknownTF    = errors.New("tf not supported")
	errEmptyFinal   = errors.New("no final bars stored for tf")
	errStoreMissing = errors.New("bar store not configured")
)

// Handler serves the read-only HTTP surface: health, the status
// snapshot and OHLCV queries in preview or final mode.
type Handler struct {
	router    *gin.Engine
	cfg       *config.Config
	store     interfaces.BarStore
	previews  *preview.Cache
	status    *status.Manager
	cache     *redis.Client
	cacheTTL  time.Duration
	startedAt time.Time
}

func NewHandler(cfg *config.Config, store interfaces.BarStore, previews *preview.Cache, st *status.Manager, cache *redis.Client, cacheTTL time.Duration) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:    router,
		cfg:       cfg,
		store:     store,
		previews:  previews,
		status:    st,
		cache:     cache,
		cacheTTL:  cacheTTL,
		startedAt: time.Now(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.getHealth)

	api := h.router.Group(apiBasePath)
	{
		api.GET("/status", h.getStatus)

		ohlcv := api.Group("/ohlcv")
		if h.cache != nil {
			ohlcv.Use(h.cacheMiddleware())
		}
		ohlcv.GET("", h.getOHLCV)
	}
}

func (h *Handler) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime_s": int64(time.Since(h.startedAt).Seconds()),
	})
}

// getStatus returns the live status snapshot with a store coverage
// block attached for the primary symbol.
func (h *Handler) getStatus(c *gin.Context) {
	payload := map[string]any{}
	if h.status != nil {
		payload = h.status.Snapshot()
	}

	store := gin.H{"enabled": h.store != nil}
	if h.store != nil && len(h.cfg.Symbols) > 0 {
		symbol := h.cfg.Symbols[0]
		cov, err := h.store.Coverage(c.Request.Context(), symbol, marketdata.TF1m)
		if err != nil {
			store["error"] = err.Error()
		} else {
			store["symbol"] = symbol
			store["bars"] = cov.Bars
			store["first_open_time_ms"] = cov.FirstOpenMS
			store["last_open_time_ms"] = cov.LastOpenMS
			store["coverage_days"] = cov.CoverageDays
		}
	}
	payload["store"] = store

	c.JSON(http.StatusOK, payload)
}

// getOHLCV serves bars for one symbol/tf. mode=preview reads the
// in-memory preview cache, mode=final reads the persisted finals and
// enforces the final source allowlist before answering.
func (h *Handler) getOHLCV(c *gin.Context) {
	symbol := c.DefaultQuery("symbol", h.defaultSymbol())
	tf := c.DefaultQuery("tf", marketdata.TF1m)
	mode := c.DefaultQuery("mode", "preview")
	limit := parseLimitQuery(c, "limit", 300)

	if !marketdata.ValidTF(tf) {
		writeError(c, http.StatusBadRequest, errUnknownTF)
		return
	}

	if mode == "final" {
		h.getFinalOHLCV(c, symbol, tf, limit)
		return
	}

	var bars []marketdata.Bar
	if h.previews != nil {
		bars = h.previews.Tail(symbol, tf, limit)
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"tf":     tf,
		"bars":   toBarPayloads(bars),
	})
}

func (h *Handler) getFinalOHLCV(c *gin.Context, symbol, tf string, limit int) {
	if h.store == nil {
		writeError(c, http.StatusInternalServerError, errStoreMissing)
		return
	}
	bars, err := h.store.Tail(c.Request.Context(), symbol, tf, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	if len(bars) == 0 {
		writeError(c, http.StatusBadRequest, errEmptyFinal)
		return
	}

	wantSource := marketdata.SourceHistory
	if tf != marketdata.TF1m {
		wantSource = marketdata.SourceHistoryAgg
	}
	last := bars[len(bars)-1]
	if last.Source != wantSource {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             fmt.Sprintf("final %s source must be %s", tf, wantSource),
			"last_write_source": last.Source,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"tf":     tf,
		"bars":   toBarPayloads(bars),
	})
}

func (h *Handler) defaultSymbol() string {
	if len(h.cfg.Symbols) > 0 {
		return h.cfg.Symbols[0]
	}
	return "XAUUSD"
}

func toBarPayloads(bars []marketdata.Bar) []contract.BarPayload {
	out := make([]contract.BarPayload, 0, len(bars))
	for _, b := range bars {
		out = append(out, contract.BarPayload{
			OpenTime:  b.OpenTimeMS,
			CloseTime: b.CloseTimeMS,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Complete:  b.Complete,
			Synthetic: b.Synthetic,
			Source:    b.Source,
			EventTS:   b.EventTSMS,
		})
	}
	return out
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// cacheMiddleware caches GET responses in Redis.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		if cached, err := h.cache.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.cache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

func (h *Handler) cacheKey(c *gin.Context) string {
	return fmt.Sprintf("cache:%s:%s?%s", c.Request.Method, c.FullPath(), c.Request.URL.RawQuery)
}

func parseLimitQuery(c *gin.Context, key string, fallback int) int {
	value := c.Query(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
