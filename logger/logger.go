package logger

import "strings"

// RedactedValue replaces sensitive values in log fields.
const RedactedValue = "[REDACTED]"

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// Redact masks non-empty values such as RPC endpoints, which routinely embed
// API keys. Empty values pass through unchanged.
func Redact(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}
