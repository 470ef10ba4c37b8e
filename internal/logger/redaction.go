package logger

import (
	"io"
	"regexp"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// sensitiveKeys are field or header names whose value never reaches a log
var sensitiveKeys = []string{
	"shared_secret",
	"x-lintd-secret",
	"signature",
	"password",
	"token",
}

// keyValuePattern matches `key: value`, `key=value` and `"key":"value"` for
// any sensitive key and captures the prefix up to the value.
var keyValuePattern = regexp.MustCompile(
	`(?i)("?(?:` + strings.Join(quoteAll(sensitiveKeys), "|") + `)"?\s*[:=]\s*"?)[^\s",}]+`,
)

var bearerPattern = regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`)

func quoteAll(words []string) []string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return quoted
}

// Redactor masks credentials in log lines. Keys stay visible, values are
// replaced, so `"shared_secret":"x"` becomes `"shared_secret":"[REDACTED]"`.
type Redactor struct {
	mu      sync.RWMutex
	extra   []*regexp.Regexp
	secrets []string
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// AddPattern masks every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.extra = append(r.extra, re)
	r.mu.Unlock()
	return nil
}

// AddSecret masks every literal occurrence of secret, wherever it appears.
// Empty secrets are ignored.
func (r *Redactor) AddSecret(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	r.secrets = append(r.secrets, secret)
	r.mu.Unlock()
}

func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	s = keyValuePattern.ReplaceAllString(s, "${1}"+redacted)
	s = bearerPattern.ReplaceAllString(s, "${1}"+redacted)
	for _, re := range r.extra {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{w: w, r: r}
}

type redactingWriter struct {
	w io.Writer
	r *Redactor
}

// Write reports len(p) on success even though fewer or more bytes reach the
// underlying writer.
func (rw redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
