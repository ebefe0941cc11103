// Package budget tracks per-project and per-task spend and decides whether
// further agent invocations may proceed.
package budget

import (
	"fmt"
	"sync"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// ExceededType classifies which limit a denied request hit.
type ExceededType string

const (
	ExceededTask     ExceededType = "task"
	ExceededWorkflow ExceededType = "workflow"
	ExceededHard     ExceededType = "hard"
)

// Decision is the outcome of one enforcement check.
type Decision struct {
	Allowed          bool
	UseFallbackModel bool
	ShouldEscalate   bool
	ShouldAbort      bool
	ExceededType     ExceededType
	Limit            float64
	Current          float64
	Remaining        float64
	Message          string
}

// Manager enforces cost limits. All spend flows through Record so the
// manager's view matches the workflow state's totals.
type Manager struct {
	cfg    config.BudgetConfig
	logger *logging.Logger

	mu        sync.Mutex
	total     float64
	taskCosts map[core.TaskID]float64
}

// NewManager creates a budget manager.
func NewManager(cfg config.BudgetConfig, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		taskCosts: make(map[core.TaskID]float64),
	}
}

// Restore seeds accumulated spend from a resumed workflow state.
func (m *Manager) Restore(total float64, taskCosts map[core.TaskID]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	for id, c := range taskCosts {
		m.taskCosts[id] = c
	}
}

// Record adds actual spend after an invocation completes.
func (m *Manager) Record(taskID core.TaskID, cost float64) {
	if cost <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += cost
	if taskID != "" {
		m.taskCosts[taskID] += cost
	}
	if m.cfg.WarnThreshold > 0 && m.cfg.MaxPerWorkflow > 0 &&
		m.total >= m.cfg.WarnThreshold*m.cfg.MaxPerWorkflow {
		m.logger.Warn("budget: approaching workflow limit",
			"total", m.total, "limit", m.cfg.MaxPerWorkflow)
	}
}

// Total returns cumulative workflow spend.
func (m *Manager) Total() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// TaskCost returns accumulated spend for one task.
func (m *Manager) TaskCost(taskID core.TaskID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskCosts[taskID]
}

// Enforce decides whether an invocation with the given estimated cost may
// proceed. The task limit is checked before the workflow limit; the
// fallback-model path applies the configured cost ratio before giving up.
func (m *Manager) Enforce(taskID core.TaskID, estimatedCost float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Per-task limit.
	if m.cfg.MaxPerTask > 0 && taskID != "" {
		taskCur := m.taskCosts[taskID]
		if d, denied := m.checkLimit(taskCur, estimatedCost, m.cfg.MaxPerTask, ExceededTask); denied {
			d.Message = fmt.Sprintf("task %s budget: $%.4f spent of $%.2f limit", taskID, taskCur, m.cfg.MaxPerTask)
			return d
		}
	}

	// Workflow limit.
	if m.cfg.MaxPerWorkflow > 0 {
		if d, denied := m.checkLimit(m.total, estimatedCost, m.cfg.MaxPerWorkflow, ExceededWorkflow); denied {
			d.Message = fmt.Sprintf("workflow budget: $%.4f spent of $%.2f limit", m.total, m.cfg.MaxPerWorkflow)
			return d
		}
	}

	return Decision{
		Allowed:   true,
		Current:   m.total,
		Limit:     m.cfg.MaxPerWorkflow,
		Remaining: m.cfg.MaxPerWorkflow - m.total,
	}
}

// checkLimit applies the fit / fallback-fit / hard-abort / escalate ladder
// to one limit. denied=false means the limit does not block the request.
func (m *Manager) checkLimit(current, estimated, limit float64, kind ExceededType) (Decision, bool) {
	if current+estimated <= limit {
		return Decision{}, false
	}

	d := Decision{
		ExceededType: kind,
		Limit:        limit,
		Current:      current,
		Remaining:    limit - current,
	}

	if m.cfg.FallbackRatio > 0 && m.cfg.FallbackRatio < 1 &&
		current+estimated*m.cfg.FallbackRatio <= limit {
		d.Allowed = true
		d.UseFallbackModel = true
		return d, true
	}

	if m.cfg.HardLimit > 0 && m.total >= m.cfg.HardLimit {
		d.ShouldAbort = true
		d.ExceededType = ExceededHard
		return d, true
	}

	d.ShouldEscalate = true
	return d, true
}
