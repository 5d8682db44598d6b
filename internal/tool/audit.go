package tool

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"autoforge/internal/logging"
)

// redactPatterns mirrors the guardrail package's secret-detection intent
// but applies to audit-log arguments rather than generated code: anything
// that looks like an assigned secret is replaced before it reaches a log
// line (spec §4.2 "redacted per security rules").
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*\S+`),
}

func redact(s string) string {
	out := s
	for _, re := range redactPatterns {
		out = re.ReplaceAllString(out, "$1=[REDACTED]")
	}
	return out
}

// AuditFileStore wraps a FileStore so every Read/Write/List call is logged
// with operation, redacted arguments, and outcome (spec §4.2 "every tool
// invocation is audit-logged").
type AuditFileStore struct {
	Inner FileStore
}

func (a AuditFileStore) Read(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	data, err := a.Inner.Read(ctx, path)
	logging.Get(logging.CategoryAudit).Info("filestore.read",
		zap.String("path", redact(path)),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return data, err
}

func (a AuditFileStore) Write(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	err := a.Inner.Write(ctx, path, data)
	logging.Get(logging.CategoryAudit).Info("filestore.write",
		zap.String("path", redact(path)),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return err
}

func (a AuditFileStore) List(ctx context.Context, dir string) ([]string, error) {
	start := time.Now()
	paths, err := a.Inner.List(ctx, dir)
	logging.Get(logging.CategoryAudit).Info("filestore.list",
		zap.String("dir", redact(dir)),
		zap.Int("count", len(paths)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return paths, err
}

// AuditSandbox wraps a Sandbox with the same audit-logging contract.
type AuditSandbox struct {
	Inner Sandbox
}

func (a AuditSandbox) Execute(ctx context.Context, lang, source string, timeout time.Duration, importAllowlist []string) (SandboxResult, error) {
	start := time.Now()
	res, err := a.Inner.Execute(ctx, lang, source, timeout, importAllowlist)
	logging.Get(logging.CategoryAudit).Info("sandbox.execute",
		zap.String("lang", lang),
		zap.Int("source_bytes", len(source)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return res, err
}

// AuditVcs wraps a Vcs with the same audit-logging contract.
type AuditVcs struct {
	Inner Vcs
}

func (a AuditVcs) Init(ctx context.Context) error {
	err := a.Inner.Init(ctx)
	logging.Get(logging.CategoryAudit).Info("vcs.init", zap.Error(err))
	return err
}

func (a AuditVcs) Add(ctx context.Context, paths ...string) error {
	err := a.Inner.Add(ctx, paths...)
	logging.Get(logging.CategoryAudit).Info("vcs.add", zap.Strings("paths", paths), zap.Error(err))
	return err
}

func (a AuditVcs) Commit(ctx context.Context, message string) error {
	err := a.Inner.Commit(ctx, message)
	logging.Get(logging.CategoryAudit).Info("vcs.commit", zap.String("message", redact(message)), zap.Error(err))
	return err
}

func (a AuditVcs) Branch(ctx context.Context, name string) error {
	err := a.Inner.Branch(ctx, name)
	logging.Get(logging.CategoryAudit).Info("vcs.branch", zap.String("name", name), zap.Error(err))
	return err
}

func (a AuditVcs) Status(ctx context.Context) (string, error) {
	out, err := a.Inner.Status(ctx)
	logging.Get(logging.CategoryAudit).Info("vcs.status", zap.Error(err))
	return out, err
}

func (a AuditVcs) Diff(ctx context.Context) (string, error) {
	out, err := a.Inner.Diff(ctx)
	logging.Get(logging.CategoryAudit).Info("vcs.diff", zap.Int("bytes", len(out)), zap.Error(err))
	return out, err
}

// AuditLLM wraps an LLM with the same audit-logging contract, redacting
// message content before it reaches the log.
type AuditLLM struct {
	Inner LLM
}

func (a AuditLLM) Complete(ctx context.Context, role string, messages []Message, schemaHint string, stop []string) (string, FinishReason, TokenCounts, error) {
	start := time.Now()
	text, finish, counts, err := a.Inner.Complete(ctx, role, messages, schemaHint, stop)
	logging.Get(logging.CategoryAudit).Info("llm.complete",
		zap.String("role", role),
		zap.Int("messages", len(messages)),
		zap.String("finish_reason", string(finish)),
		zap.Int("total_tokens", counts.Total),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return text, finish, counts, err
}
