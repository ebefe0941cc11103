package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maestro-ai/maestro/internal/core"
)

// productFile is the project brief the planner works from.
const productFile = "PRODUCT.md"

// AvailabilityChecker is implemented by agent runners that can probe their
// binaries without invoking them.
type AvailabilityChecker interface {
	CheckAvailability(kind string) error
}

// Prerequisites runs the phase-0 environment checks: the project directory
// exists, the product brief is present when required, and the configured
// agents resolve to runnable binaries.
func (w *Workflow) Prerequisites(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	w.emit(core.NewEvent(core.EventPhaseStarted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhasePrerequisites).WithNode(NodePrerequisites))
	w.action(ctx, "prerequisites check", "", nil)

	started := startPhase(state, core.PhasePrerequisites)

	fail := func(errType, message, phaseErr string) *core.PartialState {
		p := w.escalatePartial(state, errType, message, "")
		p.CurrentPhase = phasePtr(core.PhasePrerequisites)
		p.PhaseStatus = map[core.Phase]*core.PhaseState{
			core.PhasePrerequisites: finishPhase(started, core.PhaseFailed, phaseErr, nil),
		}
		return p
	}

	if info, err := os.Stat(state.ProjectDir); err != nil || !info.IsDir() {
		return fail(core.ErrTypeMissingFile,
			fmt.Sprintf("project directory %s does not exist", state.ProjectDir),
			"missing project dir"), nil
	}

	if w.cfg.Workflow.Features.ProductValidation {
		if _, err := os.Stat(filepath.Join(state.ProjectDir, productFile)); err != nil {
			return fail(core.ErrTypeMissingProductMD,
				productFile+" not found in project directory",
				"missing "+productFile), nil
		}
	}

	if w.cfg.Workflow.Features.EnvironmentCheck {
		if checker, ok := w.d.Agent.(AvailabilityChecker); ok {
			kind, _ := w.agentFor("")
			if err := checker.CheckAvailability(kind); err != nil {
				return fail(core.ErrTypeMissingFile,
					fmt.Sprintf("agent %s unavailable: %v", kind, err),
					err.Error()), nil
			}
		}
	}

	w.emit(core.NewEvent(core.EventPhaseCompleted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhasePrerequisites))
	return &core.PartialState{
		CurrentPhase: phasePtr(core.PhasePrerequisites),
		PhaseStatus: map[core.Phase]*core.PhaseState{
			core.PhasePrerequisites: finishPhase(started, core.PhaseCompleted, "", nil),
		},
		NextDecision: decisionPtr(core.DecisionContinue),
	}, nil
}
