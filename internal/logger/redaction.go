package logger

import (
	"io"
	"regexp"
)

// Redactor scrubs credentials and endpoint secrets from log output before
// it reaches any writer.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with patterns for the secrets this
// service actually handles: LLM API keys and DevTools endpoint tokens.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// OpenAI / Anthropic API keys
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// DevTools websocket debugger paths carry a per-browser UUID
			regexp.MustCompile(`/devtools/browser/[a-fA-F0-9-]{36}`),

			// Generic key/secret assignments
			regexp.MustCompile(`api_key["\s:=]+[^\s"]+`),
			regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every secret match in s.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts everything written through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{inner: w, redactor: r}
}

type redactingWriter struct {
	inner    io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	cleaned := w.redactor.Redact(string(p))
	if _, err := w.inner.Write([]byte(cleaned)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog doesn't treat redaction as a
	// short write.
	return len(p), nil
}
