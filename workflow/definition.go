package workflow

import (
	"errors"
	"fmt"

	"github.com/c360studio/stagecraft/envelope"
)

// Stage-graph transition targets that are not stage names.
const (
	// EndTarget terminates the workflow. on_success=END succeeds it,
	// on_failure=END fails it.
	EndTarget = "END"
	// SkipTarget (on_failure only) advances as if the stage succeeded and
	// records the stage as skipped.
	SkipTarget = "skip"
)

// ErrDefinitionNotFound is returned by definition sources when no definition
// exists for a platform/type pair.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// RetryStrategy is the per-stage retry policy consulted on stage failure.
type RetryStrategy struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	BackoffMS  int `json:"backoff_ms" yaml:"backoff_ms"`
}

// Stage is one node of a stage graph.
type Stage struct {
	Name          string        `json:"name" yaml:"name"`
	AgentType     string        `json:"agent_type" yaml:"agent_type"`
	TimeoutMS     int           `json:"timeout_ms" yaml:"timeout_ms"`
	RetryStrategy RetryStrategy `json:"retry_strategy" yaml:"retry_strategy"`
	OnSuccess     string        `json:"on_success" yaml:"on_success"`
	// OnFailure defaults to END when empty.
	OnFailure string `json:"on_failure,omitempty" yaml:"on_failure"`
	// Weight is this stage's contribution to progress. The sum along any
	// success path is capped at 100.
	Weight int `json:"weight" yaml:"weight"`
}

// FailureTarget returns the effective on_failure target.
func (s *Stage) FailureTarget() string {
	if s.OnFailure == "" {
		return EndTarget
	}
	return s.OnFailure
}

// WorkflowDefinition is a declarative, platform-scoped stage graph for one
// workflow type. The first stage in Stages is the entry point.
type WorkflowDefinition struct {
	PlatformID   string  `json:"platform_id" yaml:"platform_id"`
	WorkflowType string  `json:"workflow_type" yaml:"workflow_type"`
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Stages       []Stage `json:"stages" yaml:"stages"`
}

// Stage returns the stage with the given name.
func (d *WorkflowDefinition) Stage(name string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// Entry returns the first stage of the graph.
func (d *WorkflowDefinition) Entry() *Stage {
	if len(d.Stages) == 0 {
		return nil
	}
	return &d.Stages[0]
}

// Validate rejects a definition whose graph is not a usable DAG: duplicate
// or missing names, targets that do not exist, cycles, stages unreachable
// from the entry, stages from which END is unreachable, negative weights, or
// a success-path weight sum above 100.
func (d *WorkflowDefinition) Validate() error {
	if d.PlatformID == "" {
		return &envelope.ValidationError{Field: "platform_id", Message: "is required"}
	}
	if d.WorkflowType == "" {
		return &envelope.ValidationError{Field: "workflow_type", Message: "is required"}
	}
	if len(d.Stages) == 0 {
		return &envelope.ValidationError{Field: "stages", Message: "at least one stage is required"}
	}

	byName := make(map[string]*Stage, len(d.Stages))
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Name == "" {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].name", i), Message: "is required"}
		}
		if s.Name == EndTarget || s.Name == SkipTarget {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].name", i), Message: "reserved name " + s.Name}
		}
		if _, dup := byName[s.Name]; dup {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].name", i), Message: "duplicate stage " + s.Name}
		}
		if !envelope.ValidAgentType(s.AgentType) {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].agent_type", i), Message: "must be kebab-case"}
		}
		if s.TimeoutMS < 1000 {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].timeout_ms", i), Message: "must be at least 1000"}
		}
		if s.RetryStrategy.MaxRetries < 0 || s.RetryStrategy.MaxRetries > 10 {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].retry_strategy.max_retries", i), Message: "must be in [0,10]"}
		}
		if s.Weight < 0 {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].weight", i), Message: "must be non-negative"}
		}
		byName[s.Name] = s
	}

	for i := range d.Stages {
		s := &d.Stages[i]
		if err := validTarget(byName, s.OnSuccess, false); err != nil {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].on_success", i), Message: err.Error()}
		}
		if err := validTarget(byName, s.FailureTarget(), true); err != nil {
			return &envelope.ValidationError{Field: fmt.Sprintf("stages[%d].on_failure", i), Message: err.Error()}
		}
	}

	if cycle := findCycle(d.Stages, byName); cycle != "" {
		return &envelope.ValidationError{Field: "stages", Message: "cycle through stage " + cycle}
	}
	if orphan := findUnreachable(d.Stages, byName); orphan != "" {
		return &envelope.ValidationError{Field: "stages", Message: "stage " + orphan + " is unreachable from the entry stage"}
	}
	// Acyclic with all targets resolving means every stage drains to END.

	if sum := d.successPathWeight(); sum > 100 {
		return &envelope.ValidationError{Field: "stages", Message: fmt.Sprintf("success-path weight sum %d exceeds 100", sum)}
	}
	return nil
}

func validTarget(byName map[string]*Stage, target string, allowSkip bool) error {
	switch {
	case target == EndTarget:
		return nil
	case target == SkipTarget:
		if allowSkip {
			return nil
		}
		return errors.New(`"skip" is only valid for on_failure`)
	case target == "":
		return errors.New("is required")
	default:
		if _, ok := byName[target]; !ok {
			return errors.New("unknown target stage " + target)
		}
		return nil
	}
}

// findCycle walks every success and failure edge and returns the name of a
// stage on a cycle, or "".
func findCycle(stages []Stage, byName map[string]*Stage) string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(stages))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = grey
		s := byName[name]
		for _, target := range []string{s.OnSuccess, s.FailureTarget()} {
			if target == EndTarget || target == SkipTarget {
				continue
			}
			switch color[target] {
			case grey:
				return target
			case white:
				if hit := visit(target); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for i := range stages {
		if color[stages[i].Name] == white {
			if hit := visit(stages[i].Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// findUnreachable returns a stage not reachable from the entry stage, or "".
func findUnreachable(stages []Stage, byName map[string]*Stage) string {
	reached := make(map[string]bool, len(stages))
	queue := []string{stages[0].Name}
	reached[stages[0].Name] = true
	for len(queue) > 0 {
		s := byName[queue[0]]
		queue = queue[1:]
		for _, target := range []string{s.OnSuccess, s.FailureTarget()} {
			if target == EndTarget || target == SkipTarget || reached[target] {
				continue
			}
			reached[target] = true
			queue = append(queue, target)
		}
	}
	for i := range stages {
		if !reached[stages[i].Name] {
			return stages[i].Name
		}
	}
	return ""
}

// successPathWeight sums weights along the on_success chain from the entry.
func (d *WorkflowDefinition) successPathWeight() int {
	sum := 0
	for s := d.Entry(); s != nil; {
		sum += s.Weight
		if s.OnSuccess == EndTarget {
			break
		}
		next, ok := d.Stage(s.OnSuccess)
		if !ok {
			break
		}
		s = next
	}
	return sum
}

// progressAfter returns the capped weight-prefix sum after completing the
// named stage on the success path.
func (d *WorkflowDefinition) progressAfter(completed string) int {
	sum := 0
	for s := d.Entry(); s != nil; {
		sum += s.Weight
		if s.Name == completed || s.OnSuccess == EndTarget {
			break
		}
		next, ok := d.Stage(s.OnSuccess)
		if !ok {
			break
		}
		s = next
	}
	if sum > 100 {
		return 100
	}
	return sum
}
