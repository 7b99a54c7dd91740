package pipeline

import (
	"context"
	"fmt"

	"callpipe/internal/store"
)

// Handler executes one enrichment stage for a claimed recording. Upstream
// holds the output_ref of every declared prerequisite. Run must be
// idempotent: the store refuses to overwrite a complete result, so a re-run
// after a crash only wastes the collaborator call.
type Handler interface {
	Run(ctx context.Context, rec *store.Recording, upstream map[string]string) (outputRef string, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec *store.Recording, upstream map[string]string) (string, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, rec *store.Recording, upstream map[string]string) (string, error) {
	return f(ctx, rec, upstream)
}

// Stage declares one enrichment step: its prerequisites, the coarse state
// milestones it drives, and its attempt budget.
type Stage struct {
	Name            string
	DependsOn       []string
	ProcessingState store.State
	DoneState       store.State
	MaxAttempts     int
	Handler         Handler
}

// Pipeline is an ordered, validated set of stages.
type Pipeline struct {
	stages []Stage
	byName map[string]Stage
	order  []string
}

// New validates the stage declarations and fixes a topological order.
// Dependencies must name earlier-declared stages, which rules out cycles.
func New(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}
	byName := make(map[string]Stage, len(stages))
	order := make([]string, 0, len(stages))
	for _, stage := range stages {
		if stage.Name == "" {
			return nil, fmt.Errorf("stage name is required")
		}
		if _, exists := byName[stage.Name]; exists {
			return nil, fmt.Errorf("duplicate stage %q", stage.Name)
		}
		if stage.Handler == nil {
			return nil, fmt.Errorf("stage %q has no handler", stage.Name)
		}
		if stage.MaxAttempts <= 0 {
			return nil, fmt.Errorf("stage %q needs a positive attempt budget", stage.Name)
		}
		for _, dep := range stage.DependsOn {
			if dep == stage.Name {
				return nil, fmt.Errorf("stage %q depends on itself", stage.Name)
			}
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown or later stage %q", stage.Name, dep)
			}
		}
		byName[stage.Name] = stage
		order = append(order, stage.Name)
	}
	return &Pipeline{stages: stages, byName: byName, order: order}, nil
}

// StageNames returns stage names in execution order.
func (p *Pipeline) StageNames() []string {
	cp := make([]string, len(p.order))
	copy(cp, p.order)
	return cp
}

// Stage looks up a declared stage by name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	stage, ok := p.byName[name]
	return stage, ok
}

// Eligible returns, in order, the stages that may run for a recording right
// now: not yet complete, attempt budget remaining, and every prerequisite's
// result complete. Evaluated against live stage_results rows, never cached,
// so a late-added dependency is picked up automatically.
func (p *Pipeline) Eligible(ctx context.Context, st *store.Store, recordingID int64) ([]Stage, error) {
	results, err := st.StageResults(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	var eligible []Stage
	for _, stage := range p.stages {
		if result, ok := results[stage.Name]; ok {
			if result.Status == store.StageComplete {
				continue
			}
			if result.Attempt >= stage.MaxAttempts {
				continue
			}
		}
		depsMet := true
		for _, dep := range stage.DependsOn {
			result, ok := results[dep]
			if !ok || result.Status != store.StageComplete {
				depsMet = false
				break
			}
		}
		if depsMet {
			eligible = append(eligible, stage)
		}
	}
	return eligible, nil
}

// Exhausted returns the first incomplete stage whose attempt budget is
// spent. Such a stage can never run again, so the recording cannot make
// further progress without operator intervention.
func (p *Pipeline) Exhausted(ctx context.Context, st *store.Store, recordingID int64) (string, bool, error) {
	results, err := st.StageResults(ctx, recordingID)
	if err != nil {
		return "", false, err
	}
	for _, stage := range p.stages {
		result, ok := results[stage.Name]
		if !ok || result.Status == store.StageComplete {
			continue
		}
		if result.Attempt >= stage.MaxAttempts {
			return stage.Name, true, nil
		}
	}
	return "", false, nil
}

// Complete reports whether every declared stage finished for the recording.
func (p *Pipeline) Complete(ctx context.Context, st *store.Store, recordingID int64) (bool, error) {
	return st.StagesComplete(ctx, recordingID, p.order...)
}
