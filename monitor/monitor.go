// Package monitor serves the health, progress and
// Prometheus metrics of a running rank over HTTP.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/unixpickle/ringtrain/collcomm/ringpass"
	"github.com/unixpickle/ringtrain/metrics"
)

const shutdownTimeout = 5 * time.Second

// A Tracker follows the state machine of one rank.
// It is safe for concurrent use.
type Tracker struct {
	lock    sync.Mutex
	started time.Time
	status  Status
}

// Status is a snapshot of a rank's progress.
type Status struct {
	Rank       int    `json:"rank"`
	Role       string `json:"role"`
	RunID      string `json:"run_id,omitempty"`
	State      string `json:"state"`
	Cycles     int    `json:"cycles"`
	Iterations int    `json:"iterations"`
	Uptime     string `json:"uptime"`
}

// NewTracker creates a Tracker for a rank that has not
// started its run yet.
func NewTracker(rank int, role string, iterations int) *Tracker {
	return &Tracker{
		started: time.Now(),
		status: Status{
			Rank:       rank,
			Role:       role,
			State:      ringpass.StateInit.String(),
			Iterations: iterations,
		},
	}
}

// SetRunID records the ID of the group the rank joined.
func (t *Tracker) SetRunID(id string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.status.RunID = id
}

// Observe records a transition.
// It can be used as a ringpass.Runner's Observer.
func (t *Tracker) Observe(tr ringpass.Transition) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.status.State = tr.To.String()
	t.status.Cycles = tr.Cycle
}

// Snapshot gets the current status.
func (t *Tracker) Snapshot() Status {
	t.lock.Lock()
	defer t.lock.Unlock()
	s := t.status
	s.Uptime = time.Since(t.started).Round(time.Millisecond).String()
	return s
}

// NewRouter creates the HTTP routes for a rank.
func NewRouter(t *Tracker, logger zerolog.Logger) *gin.Engine {
	metrics.Register()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, t.Snapshot())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// RequestLogger logs every request at debug level, or
// higher for failed requests.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

// Serve runs an HTTP server for handler until ctx ends.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Msg("monitor listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
