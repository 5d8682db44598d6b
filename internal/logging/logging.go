// Package logging provides config-driven categorized logging for autoforge.
// Each subsystem gets its own named zap.Logger so operators can grep one
// category at a time; the package mirrors the category design the rest of
// this codebase's ancestry uses (one logger per concern) but backs it with
// zap instead of a bespoke per-category file writer.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryFlow      Category = "flow"
	CategoryCrew      Category = "crew"
	CategoryWorker    Category = "worker"
	CategoryGuardrail Category = "guardrail"
	CategoryMemory    Category = "memory"
	CategoryTool      Category = "tool"
	CategoryAudit     Category = "audit"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger = zap.NewNop()
	loggers             = make(map[Category]*zap.Logger)
)

// Init installs the base logger used to derive all category loggers.
// debug selects development-style (human-readable, debug-level) output;
// otherwise a JSON production encoder at info level is used.
func Init(debug bool) {
	mu.Lock()
	defer mu.Unlock()

	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	base = logger
	loggers = make(map[Category]*zap.Logger)
}

// Get returns the logger for a category, creating and caching it lazily.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := base.With(zap.String("category", string(cat)))
	loggers[cat] = l
	return l
}

// Sync flushes all buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
	for _, l := range loggers {
		_ = l.Sync()
	}
}
