package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/model"
	"github.com/devrev/pairdb/tierstore/internal/storage"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

const checkTimeout = 2 * time.Second

// IndexState reports whether the locator index is usable
type IndexState interface {
	Ready() bool
}

// HealthChecker periodically probes both tiers and the locator index
type HealthChecker struct {
	nodeID string
	hot    storage.Pinger
	cold   storage.Pinger
	index  IndexState // nil when the index is disabled
	logger *zap.Logger

	// Index not ready is critical only when reads cannot fall back to a scan
	scanFallback bool

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID              string
	Hot                 storage.Pinger
	Cold                storage.Pinger
	Index               IndexState
	DegradedScanEnabled bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		nodeID:       cfg.NodeID,
		hot:          cfg.Hot,
		cold:         cfg.Cold,
		index:        cfg.Index,
		scanFallback: cfg.DegradedScanEnabled,
		logger:       logger,
		checks:       make(map[string]CheckResult),
		livenessOK:   true,
		status:       model.NodeStatusHealthy,
	}
}

// Start runs health checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once and updates the node status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkPinger(ctx, "hot_store", h.hot, StatusCritical),
		// Hot reads keep working without the archive
		h.checkPinger(ctx, "cold_store", h.cold, StatusWarning),
		h.checkIndex(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) checkPinger(ctx context.Context, name string, p storage.Pinger, failStatus string) CheckResult {
	if p == nil {
		return CheckResult{Name: name, Status: StatusHealthy, Message: "No probe available", Timestamp: time.Now()}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return CheckResult{
			Name:      name,
			Status:    failStatus,
			Message:   fmt.Sprintf("Ping failed: %v", err),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("Ping ok in %s", time.Since(start).Round(time.Microsecond)),
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkIndex() CheckResult {
	switch {
	case h.index == nil:
		return CheckResult{Name: "locator_index", Status: StatusHealthy, Message: "Index disabled, reads scan the archive", Timestamp: time.Now()}
	case h.index.Ready():
		return CheckResult{Name: "locator_index", Status: StatusHealthy, Message: "Index ready", Timestamp: time.Now()}
	case h.scanFallback:
		return CheckResult{Name: "locator_index", Status: StatusWarning, Message: "Index loading, cold reads use degraded scans", Timestamp: time.Now()}
	default:
		return CheckResult{Name: "locator_index", Status: StatusCritical, Message: "Index loading and degraded scans are disabled", Timestamp: time.Now()}
	}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
	}
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"checks": h.GetChecks(),
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
