package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fcoury/oxidedb/internal/shadow"
)

// NewRouter builds the admin HTTP surface spec.md §4.K describes: a health
// check and a Prometheus scrape endpoint, running alongside the TCP
// listener rather than on it. Grounded on the pack's
// bun-kms/cmd/server/main.go shape (a mux serving /health and /metrics next
// to the main listener), adapted from net/http's ServeMux to gin.Engine
// since §4.K's admin surface grows beyond two routes (oxidedbShadowMetrics'
// HTTP twin, future readiness checks) and gin is already the pack's own
// router of choice for exactly this kind of small admin API (platform
// repo's cmd/server).
func NewRouter(startedAt time.Time, shadowCmp *shadow.Comparator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(startedAt).String(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/shadow", func(c *gin.Context) {
		if shadowCmp == nil {
			c.JSON(http.StatusOK, gin.H{"enabled": false})
			return
		}
		snap := shadowCmp.Counters().Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"enabled":    true,
			"attempts":   snap.Attempts,
			"matches":    snap.Matches,
			"mismatches": snap.Mismatches,
			"timeouts":   snap.Timeouts,
		})
	})

	return router
}
