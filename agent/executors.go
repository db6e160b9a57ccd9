package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stagecraft/envelope"
	"github.com/c360studio/stagecraft/llm"
	"github.com/c360studio/stagecraft/resilience"
)

// BuiltinTypes are the agent types shipped with the orchestrator. Custom
// kebab-case types need no registration beyond a workflow definition.
var BuiltinTypes = []string{
	"scaffold", "validation", "e2e", "integration",
	"deployment", "monitoring", "debug", "recovery",
}

// builtinInstructions is the per-type system prompt for the model-backed
// executors. The produced content is the agent's own business; the core
// only carries it opaquely.
var builtinInstructions = map[string]string{
	"scaffold":    "You scaffold project structure for the requested stage. Report the files and layout you would produce.",
	"validation":  "You validate the stage inputs and report findings as a concise checklist.",
	"e2e":         "You design and evaluate end-to-end test coverage for the stage under test.",
	"integration": "You verify integration points between the produced components and their dependencies.",
	"deployment":  "You plan the deployment steps for the produced artifact and report the rollout order.",
	"monitoring":  "You define the monitors and alert thresholds appropriate for the deployed artifact.",
	"debug":       "You analyze the supplied failure context and report the most likely root cause.",
	"recovery":    "You propose the remediation steps that return the workflow to a healthy state.",
}

// IsBuiltinType reports whether agentType ships with the orchestrator.
func IsBuiltinType(agentType string) bool {
	_, ok := builtinInstructions[agentType]
	return ok
}

// ModelExecutor is the shared executor behind every built-in agent type:
// one model call per task, routed through the circuit breaker.
type ModelExecutor struct {
	agentType    string
	instructions string
	client       *llm.Client
	breaker      *resilience.Breaker
	logger       *slog.Logger
}

// NewModelExecutor builds an executor for agentType. A nil breaker gets
// the model-call defaults.
func NewModelExecutor(agentType string, client *llm.Client, breaker *resilience.Breaker, logger *slog.Logger) (*ModelExecutor, error) {
	instructions, ok := builtinInstructions[agentType]
	if !ok {
		return nil, fmt.Errorf("no built-in executor for agent type %q", agentType)
	}
	if client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreaker("model-"+agentType), logger)
	}
	return &ModelExecutor{
		agentType:    agentType,
		instructions: instructions,
		client:       client,
		breaker:      breaker,
		logger:       logger,
	}, nil
}

// BreakerState exposes the breaker state for health reporting.
func (e *ModelExecutor) BreakerState() string { return e.breaker.State() }

// Execute performs the model call for one task.
func (e *ModelExecutor) Execute(ctx context.Context, task *envelope.AgentEnvelope) (*envelope.TaskResult, error) {
	prompt := fmt.Sprintf("Workflow %s (%s), stage %q.",
		task.WorkflowID, task.WorkflowContext.WorkflowType, task.WorkflowContext.CurrentStage)
	if len(task.Payload) > 0 {
		prompt += "\nTask payload:\n" + string(task.Payload)
	}

	var resp *llm.Response
	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		r, err := e.client.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: e.instructions},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &envelope.TaskResult{
		Status: envelope.TaskSuccess,
		Output: OutputSummary(resp.Content),
		Metrics: envelope.TaskMetrics{
			TokensUsed: resp.Usage.TotalTokens,
			APICalls:   1,
		},
		CompletedAt: time.Now().UTC(),
	}, nil
}
