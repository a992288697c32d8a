package resilience

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	StrategyConnectionRetry     Strategy = "connection_retry"
	StrategyTransactionRollback Strategy = "transaction_rollback"
	StrategyQuerySimplification Strategy = "query_simplification"
	StrategyCacheFallback       Strategy = "cache_fallback"
	StrategyModelSwitching      Strategy = "model_switching"
	StrategyFrameworkFallback   Strategy = "framework_fallback"
	StrategyStreamContinuation  Strategy = "stream_continuation"
	StrategyCircuitOpen         Strategy = "circuit_open"
	StrategyNone                Strategy = "none"
)

// Retryable reports whether the strategy means "the same call may be
// attempted again".
func (s Strategy) Retryable() bool {
	switch s {
	case StrategyConnectionRetry, StrategyTransactionRollback, StrategyQuerySimplification,
		StrategyCacheFallback, StrategyModelSwitching:
		return true
	}
	return false
}

type recovery struct {
	strategy Strategy
	message  string
}

// recoveries is the kind → strategy table for recoverable kinds. Kinds
// missing from it are never recovered.
var recoveries = map[Kind]recovery{
	KindConnection: {
		StrategyConnectionRetry,
		"We had trouble reaching a required service and reconnected automatically. If this keeps happening, please try again in a moment.",
	},
	KindTransaction: {
		StrategyTransactionRollback,
		"A save operation did not complete and was safely undone. Please try again.",
	},
	KindQueryTimeout: {
		StrategyQuerySimplification,
		"The search took too long, so a simpler search was used. Try a more specific request for more detailed results.",
	},
	KindEmbeddingTimeout: {
		StrategyCacheFallback,
		"Analysis took longer than expected, so previously computed results were used. Try again later for fresher results.",
	},
	KindModelUnavailable: {
		StrategyModelSwitching,
		"The primary analysis engine is unavailable, so an alternative was used. Results may differ slightly; try again later for full quality.",
	},
	KindFrameworkFailure: {
		StrategyFrameworkFallback,
		"The selected reasoning approach could not finish, so a simpler approach (%s) was used. Try rephrasing the problem for a more tailored analysis.",
	},
	KindStreamTimeout: {
		StrategyStreamContinuation,
		"One line of reasoning ran out of time. Partial results are available and the rest of the analysis continues.",
	},
}

const (
	validationMessage     = "The request could not be processed because some input is missing or invalid. Please check your input and try again."
	nonRecoverableMessage = "This request could not be completed. Please try again with a simpler request."
	unexpectedMessage     = "An unexpected problem occurred. Please try again, and simplify the request if the problem continues."
	circuitOpenMessage    = "This feature is temporarily unavailable after repeated failures. Please try again in a few minutes."
)

// DefaultFallbackFramework is used when a failing framework has no entry in
// fallbackFrameworks.
const DefaultFallbackFramework = "scientific_method"

// fallbackFrameworks maps a reasoning framework to a simpler one.
var fallbackFrameworks = map[string]string{
	"design_thinking":     "scientific_method",
	"systems_thinking":    "scientific_method",
	"creative_problem":    "critical_thinking",
	"scientific_method":   "critical_thinking",
	"critical_thinking":   "root_cause_analysis",
	"root_cause_analysis": "first_principles",
}

// FallbackFramework returns the simpler framework to use when framework fails.
func FallbackFramework(framework string) string {
	if f, ok := fallbackFrameworks[framework]; ok {
		return f
	}
	return DefaultFallbackFramework
}

func frameworkLabel(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func frameworkMessage(fallback string) string {
	return fmt.Sprintf(recoveries[KindFrameworkFailure].message, frameworkLabel(fallback))
}
