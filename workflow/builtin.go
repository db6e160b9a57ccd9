package workflow

// Built-in stage names used by the fallback sequences.
const (
	StageInitialization = "initialization"
	StageScaffolding    = "scaffolding"
	StageDependencies   = "dependency_installation"
	StageImplementation = "implementation"
	StageValidation     = "validation"
	StageE2ETesting     = "e2e_testing"
	StageIntegration    = "integration"
	StageDeployment     = "deployment"
	StageMonitoring     = "monitoring"
)

// builtinSequences maps each built-in workflow type to its ordered stage
// list. Used when no enabled platform definition matches.
var builtinSequences = map[string][]string{
	TypeApp: {
		StageInitialization, StageScaffolding, StageDependencies,
		StageValidation, StageE2ETesting, StageIntegration,
		StageDeployment, StageMonitoring,
	},
	TypeFeature: {
		StageInitialization, StageScaffolding, StageDependencies,
		StageValidation, StageE2ETesting,
	},
	TypeBugfix: {
		StageInitialization, StageValidation, StageE2ETesting,
	},
	TypeService: {
		StageInitialization, StageScaffolding, StageDependencies,
		StageValidation, StageIntegration, StageDeployment,
	},
	TypeCapability: {
		StageInitialization, StageImplementation, StageValidation,
	},
}

// builtinAgents is the fixed stage-to-agent map for the fallback sequences.
var builtinAgents = map[string]string{
	StageInitialization: "scaffold",
	StageScaffolding:    "scaffold",
	StageDependencies:   "scaffold",
	StageImplementation: "scaffold",
	StageValidation:     "validation",
	StageE2ETesting:     "e2e",
	StageIntegration:    "integration",
	StageDeployment:     "deployment",
	StageMonitoring:     "monitoring",
}

// Fallback dispatch defaults. Platform definitions carry their own.
const (
	fallbackTimeoutMS  = 300_000
	fallbackMaxRetries = 3
	fallbackBackoffMS  = 1000
	// fallbackProgressStep is the per-stage progress increment when no
	// definition supplies weights.
	fallbackProgressStep = 15
)

// BuiltinSequence returns the fallback stage sequence for a workflow type.
func BuiltinSequence(workflowType string) ([]string, bool) {
	seq, ok := builtinSequences[workflowType]
	return seq, ok
}

// BuiltinAgent returns the agent type that executes a built-in stage.
func BuiltinAgent(stage string) (string, bool) {
	agent, ok := builtinAgents[stage]
	return agent, ok
}

// fallbackProgress is min(100, (completedIndex+1) * 15).
func fallbackProgress(completedIndex int) int {
	p := (completedIndex + 1) * fallbackProgressStep
	if p > 100 {
		return 100
	}
	return p
}
