package relay

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/navrelay/internal/httputil"
	"github.com/banshee-data/navrelay/internal/ingest"
	"github.com/banshee-data/navrelay/internal/version"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// SourceStats is implemented by *ingest.Stats.
type SourceStats interface {
	Source() string
	Snapshot() ingest.StatsSnapshot
}

// Admin serves the relay's metrics and debug pages.
type Admin struct {
	broadcaster *Broadcaster
	sources     []SourceStats
	started     time.Time
}

// NewAdmin returns an Admin reporting on b and the given ingestion sources.
func NewAdmin(b *Broadcaster, sources ...SourceStats) *Admin {
	return &Admin{broadcaster: b, sources: sources, started: time.Now()}
}

// AdminStatus is the /debug/relay document.
type AdminStatus struct {
	Build       version.Info                    `json:"build"`
	Uptime      string                          `json:"uptime"`
	Subscribers int                             `json:"subscribers"`
	Relay       StatsSnapshot                   `json:"relay"`
	Sources     map[string]ingest.StatsSnapshot `json:"sources"`
}

// Status assembles the current status document.
func (a *Admin) Status() AdminStatus {
	st := AdminStatus{
		Build:       version.Get(),
		Uptime:      time.Since(a.started).Round(time.Second).String(),
		Subscribers: a.broadcaster.Registry().Len(),
		Relay:       a.broadcaster.Stats().Snapshot(),
		Sources:     make(map[string]ingest.StatsSnapshot, len(a.sources)),
	}
	for _, s := range a.sources {
		st.Sources[s.Source()] = s.Snapshot()
	}
	return st
}

// AttachAdminRoutes registers /metrics and the relay debug pages on mux.
func (a *Admin) AttachAdminRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())

	debug := tsweb.Debugger(mux)
	debug.KVFunc("Subscribers", func() any { return a.broadcaster.Registry().Len() })
	debug.KVFunc("Payloads relayed", func() any { return a.broadcaster.Stats().Snapshot().Relayed })
	debug.HandleFunc("relay", "Relay counters and source statistics (JSON)", a.handleStatus)
	debug.HandleFunc("relay-subscribers", "Connected subscribers (JSON)", a.handleSubscribers)
	debug.HandleFunc("relay-chart", "Relay throughput chart", a.handleChart)
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, a.Status())
}

func (a *Admin) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	subs := a.broadcaster.Registry().Snapshot()
	infos := make([]SubscriberInfo, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	httputil.WriteJSONOK(w, infos)
}

// handleChart renders relayed and dropped payloads per reporting interval.
func (a *Admin) handleChart(w http.ResponseWriter, r *http.Request) {
	samples := a.broadcaster.Stats().Samples()

	x := make([]string, 0, len(samples))
	relayed := make([]opts.LineData, 0, len(samples))
	dropped := make([]opts.LineData, 0, len(samples))
	subscribers := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		x = append(x, s.Time.Format("15:04:05"))
		relayed = append(relayed, opts.LineData{Value: s.Relayed})
		dropped = append(dropped, opts.LineData{Value: s.Dropped})
		subscribers = append(subscribers, opts.LineData{Value: s.Subscribers})
	}

	lat := a.broadcaster.Stats().Latency()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Relay Throughput", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Relay Throughput",
			Subtitle: fmt.Sprintf("intervals=%d latency p50=%.2fms p95=%.2fms", len(samples), lat.P50MS, lat.P95MS),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "payloads / interval"}),
	)
	line.SetXAxis(x).
		AddSeries("relayed", relayed).
		AddSeries("dropped", dropped).
		AddSeries("subscribers", subscribers)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
