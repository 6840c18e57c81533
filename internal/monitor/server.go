// Package monitor serves the operator-facing HTTP surface: the live preview
// image, the calibration plot, a status document, a detection timeline chart
// and prometheus metrics. It is the preview surface the core exposes in place
// of a native GUI.
package monitor

import (
	"encoding/json"
	"image/png"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opengaze/gazetrack/internal/gaze"
	"github.com/opengaze/gazetrack/internal/monitoring"
)

// Server renders session state over HTTP.
type Server struct {
	session *gaze.Session
	metrics *Metrics
	reg     *prometheus.Registry
}

// NewServer builds the monitor over the session.
func NewServer(session *gaze.Session) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		session: session,
		metrics: NewMetrics(reg),
		reg:     reg,
	}
}

// Metrics returns the instruments for the capture loop.
func (s *Server) Metrics() *Metrics { return s.metrics }

// ServeMux returns the monitor routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/preview.png", s.handlePreview)
	mux.HandleFunc("/calplot.png", s.handleCalPlot)
	mux.HandleFunc("/chart", s.handleChart)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.session.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		monitoring.Logf("monitor: failed to encode status: %v", err)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	// Mirror the operator display: after a calibration the result plot
	// replaces the camera preview until toggled back.
	img := s.session.PreviewSnapshot()
	if s.session.ShowingCalResult() {
		img = s.session.CalPlotSnapshot()
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		monitoring.Logf("monitor: failed to encode preview: %v", err)
	}
}

func (s *Server) handleCalPlot(w http.ResponseWriter, r *http.Request) {
	var renderErr error
	s.session.Locked(func() {
		renderErr = s.session.BuffersRef().RenderCalPlot(s.session.Calibration())
	})
	if renderErr != nil {
		http.Error(w, "failed to render calibration plot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, s.session.CalPlotSnapshot()); err != nil {
		monitoring.Logf("monitor: failed to encode calibration plot: %v", err)
	}
}

// handleChart renders a pupil-area timeline of the most recent valid frames.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	stats := s.session.Snapshot()

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Pupil area (recent frames)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "area (px^2)"}),
	)
	x := make([]int, len(stats.RecentArea))
	data := make([]opts.LineData, len(stats.RecentArea))
	for i, v := range stats.RecentArea {
		x[i] = i
		data[i] = opts.LineData{Value: v}
	}
	line.SetXAxis(x).AddSeries("pupil area", data)
	if err := line.Render(w); err != nil {
		monitoring.Logf("monitor: failed to render chart: %v", err)
	}
}
