package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/rope"
)

const (
	maxAlerts  = 100
	maxHistory = 1000

	slowForward = 5 * time.Second
)

// HealthStatus is the /status payload.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Basis       *BasisInfo      `json:"basis,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// BasisInfo summarizes the rotary basis currently in use.
type BasisInfo struct {
	Variant          string  `json:"variant"`
	RotaryDim        int     `json:"rotary_dim"`
	SeqLen           int     `json:"seq_len"`
	Theta            float64 `json:"theta"`
	AttentionScaling float32 `json:"attention_scaling"`
	Fingerprint      string  `json:"fingerprint"`
}

type PerformanceInfo struct {
	Forwards        int       `json:"forwards"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	NanCount        int       `json:"nan_count"`
	InfCount        int       `json:"inf_count"`
	LastForward     time.Time `json:"last_forward"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // rope, attention, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type forwardPoint struct {
	tokens   int
	duration time.Duration
}

// HealthMonitor serves health, status and Prometheus endpoints for an
// attention workload.
type HealthMonitor struct {
	startTime time.Time

	mu          sync.RWMutex
	server      *http.Server
	alerts      []Alert
	history     []forwardPoint
	lastForward time.Time
	nanCount    int
	infCount    int
	basis       *BasisInfo
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.With("monitoring").Info("health monitor starting", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordBasis publishes the basis a layer is using.
func (hm *HealthMonitor) RecordBasis(b *rope.Basis) {
	if b == nil {
		return
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.basis != nil && hm.basis.SeqLen != b.SeqLen {
		hm.addAlertLocked("info", "rope",
			fmt.Sprintf("basis recomputed for seq_len %d (was %d)", b.SeqLen, hm.basis.SeqLen))
	}
	hm.basis = &BasisInfo{
		Variant:          b.Variant.String(),
		RotaryDim:        b.RotaryDim,
		SeqLen:           b.SeqLen,
		Theta:            b.Theta,
		AttentionScaling: b.AttentionScaling,
		Fingerprint:      fmt.Sprintf("%016x", b.Fingerprint()),
	}
}

// RecordForward records one forward pass over tokens positions along with
// the non-finite values found in its output.
func (hm *HealthMonitor) RecordForward(tokens int, duration time.Duration, nan, inf int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.lastForward = time.Now()
	hm.history = append(hm.history, forwardPoint{tokens: tokens, duration: duration})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.nanCount += nan
	hm.infCount += inf

	if nan > 0 || inf > 0 {
		hm.addAlertLocked("critical", "attention",
			fmt.Sprintf("non-finite attention output: %d NaN, %d Inf", nan, inf))
	}
	if duration > slowForward {
		hm.addAlertLocked("error", "attention",
			fmt.Sprintf("slow forward: %.2f ms", float64(duration.Nanoseconds())/1e6))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.With("monitoring").Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot. Unresolved critical alerts
// make it critical, unresolved errors make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	var basis *BasisInfo
	if hm.basis != nil {
		b := *hm.basis
		basis = &b
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Basis:       basis,
		Performance: hm.performanceLocked(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{
		Forwards:    len(hm.history),
		NanCount:    hm.nanCount,
		InfCount:    hm.infCount,
		LastForward: hm.lastForward,
	}
	if len(hm.history) == 0 {
		return info
	}

	var tokens int
	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		tokens += p.tokens
		total += p.duration
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}
