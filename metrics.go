package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
// 累計掃描與輪詢活動的統計，並透過 HTTP 提供查詢
type MetricsCollector struct {
	mu sync.RWMutex

	startTime time.Time

	// 掃描指標
	scanTargets   atomic.Uint64
	scanReachable atomic.Uint64
	scanVerified  atomic.Uint64
	scanErrors    atomic.Uint64

	// 輪詢指標
	pollTicks      atomic.Uint64
	pollErrors     atomic.Uint64
	lastTickAt     atomic.Int64
	lastTickErrors atomic.Int64

	// 歷史記錄 (用於計算速率)
	tickHistory []tickSample
	maxHistory  int

	logger *zap.Logger
}

type tickSample struct {
	timestamp time.Time
	ticks     uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`

	// 掃描指標
	ScanTargets   uint64 `json:"scan_targets"`
	ScanReachable uint64 `json:"scan_reachable"`
	ScanVerified  uint64 `json:"scan_verified"`
	ScanErrors    uint64 `json:"scan_errors"`

	// 輪詢指標
	PollTicks      uint64    `json:"poll_ticks"`
	PollErrors     uint64    `json:"poll_errors"`
	TicksPerSec    float64   `json:"ticks_per_sec"`
	LastTickAt     time.Time `json:"last_tick_at"`
	LastTickErrors int64     `json:"last_tick_errors"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		startTime:  time.Now(),
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
		logger:     logger,
	}
}

// Start 啟動指標 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// RecordOutcome 記錄單筆掃描結果
func (m *MetricsCollector) RecordOutcome(outcome ScanOutcome) {
	m.scanTargets.Add(1)
	if outcome.Reachable {
		m.scanReachable.Add(1)
	}
	if outcome.Verified {
		m.scanVerified.Add(1)
	}
	if outcome.Err != ErrorNone {
		m.scanErrors.Add(1)
	}
}

// RecordSnapshot 記錄單次輪詢快照
func (m *MetricsCollector) RecordSnapshot(snap Snapshot) {
	ticks := m.pollTicks.Add(1)
	errs := snap.Errors()
	m.pollErrors.Add(uint64(errs))
	m.lastTickAt.Store(snap.At.UnixNano())
	m.lastTickErrors.Store(int64(errs))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickHistory = append(m.tickHistory, tickSample{timestamp: snap.At, ticks: ticks})
	if len(m.tickHistory) > m.maxHistory {
		m.tickHistory = m.tickHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Timestamp:      time.Now(),
		Uptime:         time.Since(m.startTime).String(),
		ScanTargets:    m.scanTargets.Load(),
		ScanReachable:  m.scanReachable.Load(),
		ScanVerified:   m.scanVerified.Load(),
		ScanErrors:     m.scanErrors.Load(),
		PollTicks:      m.pollTicks.Load(),
		PollErrors:     m.pollErrors.Load(),
		LastTickErrors: m.lastTickErrors.Load(),
	}
	if ns := m.lastTickAt.Load(); ns != 0 {
		snapshot.LastTickAt = time.Unix(0, ns)
	}

	// 計算每秒輪詢次數 (使用最近的歷史記錄)
	if len(m.tickHistory) >= 2 {
		first := m.tickHistory[0]
		last := m.tickHistory[len(m.tickHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.TicksPerSec = float64(last.ticks-first.ticks) / duration
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP modscan_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE modscan_uptime_seconds gauge\n")
	fmt.Fprintf(w, "modscan_uptime_seconds %f\n\n", time.Since(m.startTime).Seconds())

	fmt.Fprintf(w, "# HELP modscan_scan_targets_total Total number of scanned targets\n")
	fmt.Fprintf(w, "# TYPE modscan_scan_targets_total counter\n")
	fmt.Fprintf(w, "modscan_scan_targets_total %d\n\n", snapshot.ScanTargets)

	fmt.Fprintf(w, "# HELP modscan_scan_reachable_total Targets that accepted a TCP connection\n")
	fmt.Fprintf(w, "# TYPE modscan_scan_reachable_total counter\n")
	fmt.Fprintf(w, "modscan_scan_reachable_total %d\n\n", snapshot.ScanReachable)

	fmt.Fprintf(w, "# HELP modscan_scan_verified_total Targets that answered a verify read\n")
	fmt.Fprintf(w, "# TYPE modscan_scan_verified_total counter\n")
	fmt.Fprintf(w, "modscan_scan_verified_total %d\n\n", snapshot.ScanVerified)

	fmt.Fprintf(w, "# HELP modscan_scan_errors_total Scan targets that reported an error\n")
	fmt.Fprintf(w, "# TYPE modscan_scan_errors_total counter\n")
	fmt.Fprintf(w, "modscan_scan_errors_total %d\n\n", snapshot.ScanErrors)

	fmt.Fprintf(w, "# HELP modscan_poll_ticks_total Total number of poll reads\n")
	fmt.Fprintf(w, "# TYPE modscan_poll_ticks_total counter\n")
	fmt.Fprintf(w, "modscan_poll_ticks_total %d\n\n", snapshot.PollTicks)

	fmt.Fprintf(w, "# HELP modscan_poll_errors_total Total number of errored registers across poll reads\n")
	fmt.Fprintf(w, "# TYPE modscan_poll_errors_total counter\n")
	fmt.Fprintf(w, "modscan_poll_errors_total %d\n\n", snapshot.PollErrors)

	fmt.Fprintf(w, "# HELP modscan_poll_ticks_per_second Poll reads per second\n")
	fmt.Fprintf(w, "# TYPE modscan_poll_ticks_per_second gauge\n")
	fmt.Fprintf(w, "modscan_poll_ticks_per_second %f\n\n", snapshot.TicksPerSec)

	fmt.Fprintf(w, "# HELP modscan_poll_last_tick_errors Errored registers in the most recent poll read\n")
	fmt.Fprintf(w, "# TYPE modscan_poll_last_tick_errors gauge\n")
	fmt.Fprintf(w, "modscan_poll_last_tick_errors %d\n", snapshot.LastTickErrors)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
