// Package api exposes the daemon's status and calibration state over
// HTTP for operators and the report tooling.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/httputil"
	"github.com/gimbalworks/aimloop/internal/monitoring"
	"github.com/gimbalworks/aimloop/internal/pipeline"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server serves read-only views of the running control loop.
type Server struct {
	loop *pipeline.Loop
	cal  *calib.State
}

func NewServer(loop *pipeline.Loop, cal *calib.State) *Server {
	return &Server{loop: loop, cal: cal}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	}
	return colorBoldRed + strconv.Itoa(statusCode) + colorReset
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(lrw, r)
		monitoring.Logf("%s%s%s %s %s (%s)",
			colorCyan, r.Method, colorReset, r.URL.Path,
			statusCodeColor(lrw.statusCode), time.Since(start))
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/calibration", s.showCalibration)
	mux.HandleFunc("/api/calibration/summary", s.showCalibrationSummary)
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.loop.Status())
}

func (s *Server) showCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.cal.Snapshot()
	snap.SessionID = s.loop.SessionID()
	httputil.WriteJSONOK(w, snap)
}

func (s *Server) showCalibrationSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cal.Summarize())
}

// ListenAndServe runs the status server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      logRequests(s.ServeMux()),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	monitoring.Logf("status server listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
