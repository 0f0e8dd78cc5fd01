package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/period"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

const requestTimeout = 15 * time.Second

type productView struct {
	Kind           string       `json:"kind"`
	Timeframe      string       `json:"timeframe"`
	Prodcode       string       `json:"prodcode,omitempty"`
	Datetime       time.Time    `json:"datetime"`
	Rows           int          `json:"rows"`
	Cols           int          `json:"cols"`
	Stations       []string     `json:"stations"`
	Missing        []string     `json:"missing,omitempty"`
	CompositeCount int          `json:"composite_count"`
	Method         string       `json:"method,omitempty"`
	GaugeCount     int          `json:"gauge_count"`
	Source         string       `json:"source,omitempty"`
	Anchor         string       `json:"anchor,omitempty"`
	Summary        *summaryView `json:"summary,omitempty"`
}

type summaryView struct {
	Wet int     `json:"wet"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}

type tierView struct {
	Name     string     `json:"name"`
	Prodcode string     `json:"prodcode,omitempty"`
	DrainTo  string     `json:"drain_to,omitempty"`
	Depth    int        `json:"depth"`
	Bands    int        `json:"bands"`
	Start    *time.Time `json:"start,omitempty"`
	Stop     *time.Time `json:"stop,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type totalView struct {
	Datetime time.Time `json:"datetime"`
	Sum      float64   `json:"sum"`
	Max      float64   `json:"max"`
	Valid    int64     `json:"valid"`
	Masked   int64     `json:"masked"`
}

// GET /products/:kind/:code/:datetime
func (s *Server) handleProduct(c *gin.Context) {
	if s.deps.Products == nil {
		unavailable(c, "product store")
		return
	}
	kind, err := products.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dt, err := time.Parse(period.Layout, c.Param("datetime"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid datetime, expected YYYYMMDDHHMM"})
		return
	}

	meta, err := s.deps.Products.ReadMeta(kind, c.Param("code"), dt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(meta))
}

func viewOf(m *products.Meta) productView {
	v := productView{
		Kind:           m.Kind,
		Timeframe:      m.Timeframe,
		Prodcode:       m.Prodcode,
		Datetime:       m.Datetime,
		Rows:           m.Rows,
		Cols:           m.Cols,
		Stations:       m.Stations,
		CompositeCount: m.CompositeCount,
		Method:         m.Method,
		GaugeCount:     m.GaugeCount,
	}
	for i, st := range m.Stations {
		if i < len(m.Available) && !m.Available[i] {
			v.Missing = append(v.Missing, st)
		}
	}
	if m.Source != nil {
		v.Source = keyString(m.Source)
	}
	if m.Anchor != nil {
		v.Anchor = keyString(m.Anchor)
	}
	if m.Summary != nil {
		v.Summary = &summaryView{Wet: m.Summary.Wet, Max: m.Summary.Max, P50: m.Summary.P50, P90: m.Summary.P90, P99: m.Summary.P99}
	}
	return v
}

func keyString(k *products.KeyMeta) string {
	return k.Prodcode + "/" + k.Timeframe + "@" + k.Datetime.UTC().Format(period.Layout)
}

// GET /tiers/:timeframe
func (s *Server) handleTiers(c *gin.Context) {
	if s.deps.Tiers == nil {
		unavailable(c, "tier manifest")
		return
	}
	tf, err := types.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	statuses, err := s.deps.Tiers.Describe(ctx, tf)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]tierView, 0, len(statuses))
	for _, st := range statuses {
		v := tierView{Name: st.Name, Prodcode: st.Prodcode, DrainTo: st.DrainTo, Depth: st.Depth, Bands: st.Bands}
		if !st.Empty {
			start, stop := st.Start, st.Stop
			v.Start, v.Stop = &start, &stop
		}
		if st.Err != nil {
			v.Error = st.Err.Error()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"timeframe": tf.String(), "tiers": out})
}

// GET /report/:kind/:code?period=1d
func (s *Server) handleReport(c *gin.Context) {
	if s.deps.Reports == nil {
		unavailable(c, "query service")
		return
	}
	kind, err := products.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	code := c.Param("code")
	tf, err := codeTimeframe(code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := period.Parse(c.DefaultQuery("period", "1d"), tf, s.deps.Clock)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	totals, err := s.deps.Reports.PeriodTotals(ctx, kind, code, r.Start, r.End)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]totalView, len(totals))
	var sum float64
	for i, t := range totals {
		out[i] = totalView(t)
		sum += t.Sum
	}
	c.JSON(http.StatusOK, gin.H{
		"period":   r.String(),
		"expected": r.Len(),
		"found":    len(out),
		"sum":      sum,
		"products": out,
	})
}

// codeTimeframe extracts the timeframe from a path code ("hour", "hour_a").
func codeTimeframe(code string) (types.Timeframe, error) {
	tf, _, _ := strings.Cut(code, "_")
	return types.ParseTimeframe(tf)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case rterrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case rterrors.IsContractViolation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
