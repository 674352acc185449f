package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"MarketPulse/internal/board"
	"MarketPulse/internal/catalog"
	"MarketPulse/internal/ticker"

	"github.com/gin-gonic/gin"
)

// Catalog is the metadata lookup used to validate symbols.
type Catalog interface {
	Known(id string) bool
	Product(id string) (catalog.Entry, bool)
}

// FeedStatus reports live feed counters.
type FeedStatus interface {
	Stats() ticker.FeedStats
}

// Handler serves the read API over a Board.
type Handler struct {
	Board   *board.Board
	Catalog Catalog
	Feed    FeedStatus
}

func NewHandler(b *board.Board, cat Catalog, feed FeedStatus) *Handler {
	return &Handler{Board: b, Catalog: cat, Feed: feed}
}

type statsResponse struct {
	Symbol        string    `json:"symbol"`
	Price         *float64  `json:"price"`
	High          *float64  `json:"high"`
	Low           *float64  `json:"low"`
	PercentChange *float64  `json:"percent_change"`
	IsPositive    *bool     `json:"is_positive"`
	AsOf          time.Time `json:"as_of"`
	State         string    `json:"state"`
	Stale         bool      `json:"stale"`
	FetchedAt     time.Time `json:"fetched_at"`
	LastError     string    `json:"last_error,omitempty"`
}

func toStatsResponse(v board.StatsView) statsResponse {
	r := statsResponse{
		Symbol:    v.Stats.Symbol,
		AsOf:      v.Stats.AsOf,
		State:     v.State.String(),
		Stale:     v.Stale,
		FetchedAt: v.FetchedAt,
		LastError: v.LastError,
	}
	if v.Stats.CurrentPrice > 0 {
		p := v.Stats.CurrentPrice
		r.Price = &p
	}
	if v.Stats.HasRange {
		hi, lo := v.Stats.High, v.Stats.Low
		r.High, r.Low = &hi, &lo
	}
	if v.Stats.HasChange {
		pc, pos := v.Stats.PercentChange, v.Stats.IsPositive
		r.PercentChange, r.IsPositive = &pc, &pos
	}
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "symbols": len(h.Board.Symbols())})
}

func (h *Handler) ListSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.Board.Symbols()})
}

func (h *Handler) SetSymbols(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"symbols\": [...]}"})
		return
	}
	for _, s := range req.Symbols {
		if !h.known(s) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown product " + s})
			return
		}
	}
	stored, err := h.Board.SetSymbols(req.Symbols)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": stored})
}

func (h *Handler) AddSymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	if !h.known(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown product " + symbol})
		return
	}
	changed, err := h.Board.AddSymbol(symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"symbols": h.Board.Symbols()})
}

func (h *Handler) RemoveSymbol(c *gin.Context) {
	changed, err := h.Board.RemoveSymbol(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}
	if !changed {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not subscribed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": h.Board.Symbols()})
}

func (h *Handler) Price(c *gin.Context) {
	p, ok := h.Board.LatestPrice(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price available"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) Stats(c *gin.Context) {
	v, ok := h.Board.Stats(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not subscribed"})
		return
	}
	c.JSON(http.StatusOK, toStatsResponse(v))
}

func (h *Handler) Series(c *gin.Context) {
	v, ok := h.Board.Series(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not subscribed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     v.Symbol,
		"candles":    v.Series,
		"state":      v.State.String(),
		"stale":      v.Stale,
		"fetched_at": v.FetchedAt,
		"last_error": v.LastError,
	})
}

func (h *Handler) Overview(c *gin.Context) {
	views := h.Board.Overview()
	out := make([]statsResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toStatsResponse(v))
	}
	c.JSON(http.StatusOK, gin.H{"stats": out})
}

func (h *Handler) Refresh(c *gin.Context) {
	h.Board.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh queued"})
}

func (h *Handler) History(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	runs, err := h.Board.History(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) Product(c *gin.Context) {
	if h.Catalog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "catalog disabled"})
		return
	}
	p, ok := h.Catalog.Product(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown product"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) FeedStats(c *gin.Context) {
	if h.Feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live feed disabled"})
		return
	}
	c.JSON(http.StatusOK, h.Feed.Stats())
}

// Events streams changed symbols as server-sent events.
func (h *Handler) Events(c *gin.Context) {
	changes, cancel := h.Board.Watch(64)
	defer cancel()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case sym, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("changed", sym)
			return true
		}
	})
}

func (h *Handler) known(symbol string) bool {
	return h.Catalog == nil || h.Catalog.Known(symbol)
}
