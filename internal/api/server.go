// Package api exposes the stored series over HTTP: candle reads per symbol
// and timeframe, plus a freshness-based health check.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/model"
	"marketpulse/logger"
)

// CandleSource is the slice of the store the API reads from.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, widthMs int64, limit int) ([]model.Record, error)
	LatestCandleTime(ctx context.Context) (int64, error)
}

// Config holds the HTTP surface parameters.
type Config struct {
	Addr string
	// Key, when non-empty, is required in the x-api-key header on every
	// data route. The health route stays open for probes.
	Key string
	// Freshness is the maximum age of the newest stored candle for the
	// service to report healthy.
	Freshness time.Duration
	// DefaultLimit caps candle reads when the client does not pass one.
	DefaultLimit int
	// AggWidthMs is the bucket width served for the aggregate timeframe.
	AggWidthMs int64
}

// Server serves the read API.
type Server struct {
	cfg    Config
	source CandleSource
	log    *logger.Log
	http   *http.Server
	now    func() time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, source CandleSource) *Server {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 200
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 2 * time.Minute
	}
	s := &Server{
		cfg:    cfg,
		source: source,
		log:    logger.GetLogger(),
		now:    time.Now,
	}
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	data := r.Group("/", s.requireAPIKey())
	data.GET("/candles/:symbol", s.handleCandles)
	data.GET("/candles/:symbol/:tf", s.handleCandles)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithComponent("api").WithFields(logger.Fields{
		"addr": s.cfg.Addr,
	}).Info("api server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Key != "" && c.GetHeader("x-api-key") != s.cfg.Key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type candlePoint struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"vol"`
}

type candlesResponse struct {
	Symbol     string        `json:"symbol"`
	Timeframe  string        `json:"tf"`
	Count      int           `json:"count"`
	Candles    []candlePoint `json:"candles"`
	LatestTime int64         `json:"latest_time"`
}

// handleCandles serves the stored series for one symbol. The timeframe path
// segment selects the raw 1m table or the aggregate buckets; it defaults to
// the aggregate.
func (s *Server) handleCandles(c *gin.Context) {
	symbol := model.NormalizeSymbol(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol required"})
		return
	}

	tf := c.Param("tf")
	if tf == "" {
		tf = "15m"
	}
	var widthMs int64
	switch tf {
	case "1m":
		widthMs = 0
	case "15m":
		widthMs = s.cfg.AggWidthMs
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timeframe " + tf})
		return
	}

	limit := s.cfg.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := s.source.Candles(c.Request.Context(), symbol, widthMs, limit)
	if err != nil {
		s.log.WithComponent("api").WithError(err).Error("candle read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read failed"})
		return
	}

	// Rows come back newest first; serve them oldest first.
	points := make([]candlePoint, 0, len(records))
	var latest int64
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.TimestampMs > latest {
			latest = rec.TimestampMs
		}
		points = append(points, candlePoint{
			Ts:     rec.TimestampMs,
			Open:   rec.Candle.Open,
			High:   rec.Candle.High,
			Low:    rec.Candle.Low,
			Close:  rec.Candle.Close,
			Volume: rec.Candle.Volume,
		})
	}

	c.JSON(http.StatusOK, candlesResponse{
		Symbol:     symbol,
		Timeframe:  tf,
		Count:      len(points),
		Candles:    points,
		LatestTime: latest,
	})
}

type healthResponse struct {
	OK     bool    `json:"ok"`
	AgeSec float64 `json:"age_sec"`
}

// handleHealth reports whether the newest stored candle is fresh enough. A
// service that is up but silently failing to ingest reports unhealthy.
func (s *Server) handleHealth(c *gin.Context) {
	latest, err := s.source.LatestCandleTime(c.Request.Context())
	if err != nil {
		s.log.WithComponent("api").WithError(err).Error("health read failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "store unreachable"})
		return
	}
	if latest == 0 {
		c.JSON(http.StatusServiceUnavailable, healthResponse{OK: false, AgeSec: -1})
		return
	}

	age := s.now().UTC().Sub(time.UnixMilli(latest))
	resp := healthResponse{OK: age < s.cfg.Freshness, AgeSec: age.Seconds()}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
