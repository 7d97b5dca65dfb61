package facade

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/rescache"
	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// Error codes surfaced in response bodies.
const (
	codeNotAvailable      = "NOT_AVAILABLE"
	codeInvalidInstrument = "INVALID_INSTRUMENT"
	codeInvalidKind       = "INVALID_KIND"
	codeInvalidPeriod     = "INVALID_PERIOD"
	codeInvalidPair       = "INVALID_PAIR"
	codeInvalidBody       = "INVALID_BODY"
	codeHistoryDisabled   = "HISTORY_DISABLED"
	codeStorage           = "STORAGE"
)

func errorBody(code, message string) gin.H {
	return gin.H{"code": code, "error": message}
}

// indicatorResponse flattens the result with the staleness markers.
type indicatorResponse struct {
	models.IndicatorResult
	Stale      bool    `json:"stale"`
	AgeSeconds float64 `json:"age_seconds"`
}

type indicatorQuery struct {
	Period int    `form:"period" binding:"omitempty,min=5,max=200"`
	Pair   string `form:"pair" binding:"omitempty,alphanum,min=5,max=20"`
}

// getIndicator answers cache-first: a fresh entry is returned as-is, a
// miss or stale entry triggers a synchronous recompute bounded by the
// query timeout, and a stale entry backstops a failed recompute. Windows
// still warming up yield 404, never a 5xx.
func (s *Server) getIndicator(c *gin.Context) {
	started := time.Now()

	instrument := strings.ToUpper(c.Param("instrument"))
	if err := validate.Var(instrument, "required,alphanum,min=5,max=20"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidInstrument, "instrument must be a 5-20 character symbol"))
		return
	}
	kind, err := models.ParseIndicatorKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidKind, err.Error()))
		return
	}
	var q indicatorQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidPeriod, "period must be an integer in 5..200"))
		return
	}
	period, pair, code, msg := s.resolveQuery(kind, q)
	if code != "" {
		c.JSON(http.StatusBadRequest, errorBody(code, msg))
		return
	}

	ctx := c.Request.Context()
	key := rescache.Key(kind, instrument, period, pair)

	var fallback *rescache.Entry
	if entry, err := s.deps.Cache.Get(ctx, key); err == nil {
		if !entry.Stale {
			s.observe(kind, "cache_hit", started)
			c.JSON(http.StatusOK, indicatorResponse{
				IndicatorResult: entry.Result,
				AgeSeconds:      entry.Age.Seconds(),
			})
			return
		}
		fallback = &entry
	}

	computeCtx, cancel := context.WithTimeout(ctx, s.queryTimeout())
	defer cancel()
	result, err := s.deps.Indicators.SnapshotCompute(computeCtx, instrument, kind, period, pair)
	if err == nil {
		if err := s.deps.Cache.Put(ctx, key, result); err != nil {
			s.logger.Warn("cache repopulation failed", zap.String("key", key), zap.Error(err))
		}
		s.observe(kind, "computed", started)
		c.JSON(http.StatusOK, indicatorResponse{IndicatorResult: result})
		return
	}

	if fallback != nil {
		s.observe(kind, "stale", started)
		c.JSON(http.StatusOK, indicatorResponse{
			IndicatorResult: fallback.Result,
			Stale:           true,
			AgeSeconds:      fallback.Age.Seconds(),
		})
		return
	}

	s.observe(kind, "not_available", started)
	c.JSON(http.StatusNotFound, errorBody(codeNotAvailable, err.Error()))
}

// resolveQuery pins the effective period per kind. MACD carries the
// configured slow horizon; correlation takes the client's period as a cap
// on aligned pairs, defaulting to the full retention horizon; the
// remaining kinds take the client's period, with the RSI ceiling applied.
func (s *Server) resolveQuery(kind models.IndicatorKind, q indicatorQuery) (int, string, string, string) {
	switch kind {
	case models.KindMACD:
		return s.cfg.Aggregator.MACDSlow, "", "", ""
	case models.KindCorrelation:
		if q.Pair == "" {
			return 0, "", codeInvalidPair, "correlation requires a pair parameter"
		}
		period := q.Period
		if period == 0 {
			period = s.cfg.Aggregator.PairHorizon
		}
		return period, strings.ToUpper(q.Pair), "", ""
	default:
		if q.Period == 0 {
			return 0, "", codeInvalidPeriod, "period is required"
		}
		if kind == models.KindRSI && q.Period > 50 {
			return 0, "", codeInvalidPeriod, "rsi period is capped at 50"
		}
		return q.Period, "", "", ""
	}
}

type historyQuery struct {
	Kind   string `form:"kind" binding:"required"`
	Period int    `form:"period" binding:"required,min=2"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (s *Server) getHistory(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, errorBody(codeHistoryDisabled, "history store is not enabled"))
		return
	}

	instrument := strings.ToUpper(c.Param("instrument"))
	if err := validate.Var(instrument, "required,alphanum,min=5,max=20"); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidInstrument, "instrument must be a 5-20 character symbol"))
		return
	}
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidBody, "kind and period are required; limit must be 1..1000"))
		return
	}
	kind, err := models.ParseIndicatorKind(q.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidKind, err.Error()))
		return
	}

	results, err := s.deps.History.Recent(c.Request.Context(), instrument, kind, q.Period, q.Limit)
	if err != nil {
		s.logger.Error("history query failed", zap.String("instrument", instrument), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody(codeStorage, "history query failed"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instrument_id": instrument,
		"kind":          kind,
		"period":        q.Period,
		"count":         len(results),
		"results":       results,
	})
}

func (s *Server) setInstruments(c *gin.Context) {
	var req struct {
		Instruments []string `json:"instruments" binding:"required,min=1,dive,alphanum,min=5,max=20"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(codeInvalidBody, "instruments must be a non-empty list of 5-20 character symbols"))
		return
	}

	normalized := make([]string, 0, len(req.Instruments))
	for _, instrument := range req.Instruments {
		normalized = append(normalized, strings.ToUpper(instrument))
	}
	s.deps.Venues.SetInstruments(normalized)
	s.logger.Info("instrument set replaced", zap.Strings("instruments", normalized))

	// Connectors resubscribe asynchronously.
	c.JSON(http.StatusAccepted, gin.H{"instruments": normalized, "count": len(normalized)})
}

func (s *Server) health(c *gin.Context) {
	venues := s.deps.Venues.Status()
	status := "ok"
	for _, v := range venues {
		if v.State != models.VenueStreaming {
			status = "degraded"
			break
		}
	}

	depth := 0
	if s.deps.QueueDepth != nil {
		depth = s.deps.QueueDepth()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":              status,
		"venues":              venues,
		"publish_queue_depth": depth,
		"cached_results":      s.deps.Cache.Len(),
	})
}

func (s *Server) observe(kind models.IndicatorKind, outcome string, started time.Time) {
	metrics.QueryLatency.WithLabelValues(string(kind), outcome).Observe(time.Since(started).Seconds())
}
