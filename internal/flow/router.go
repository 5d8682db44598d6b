package flow

import (
	"go.uber.org/zap"

	"autoforge/internal/logging"
	"autoforge/internal/state"
)

// logRoute records a router's decision, satisfying "each router logs its
// decision with reasoning" independently of the Transition reason that
// ends up on disk, so operators can grep routing decisions by phase.
func logRoute(from, to state.Phase, reason string) {
	logging.Get(logging.CategoryFlow).Info("router decision",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
}
