package translate

import (
	"context"
	"errors"
)

// Format tells the provider how to treat markup in the source texts.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// ErrUnknownEngine is returned for an engine name with no constructor.
var ErrUnknownEngine = errors.New("translate: unknown engine")

// Result is the outcome of one batch translation.
//
// A provider never reports partial success: OK is true only when every chunk
// was translated. Texts always has one entry per input text, in input
// order; entries a provider did not return are empty strings.
type Result struct {
	OK    bool
	Texts []string
	// HTTPCode is the last status code seen. 0 means the request never got a
	// response (network error, timeout, cancelled context).
	HTTPCode int
	// Err describes the failure when OK is false.
	Err error
	// ResponseLen is the total size of the response bodies in bytes.
	ResponseLen int
}

// ErrorText returns the failure message or "".
func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Translator defines the interface for machine translation backends.
// This abstraction allows us to switch between engines (Null, Google,
// LibreTranslate) without changing the queue processor.
type Translator interface {
	// Name identifies the engine in logs, metrics and the translations.source
	// column.
	Name() string

	// Translate translates texts from sourceLang to targetLang. Language
	// codes are provider (Google) codes such as "fr" or "zh-TW". Failures
	// are reported through Result, never by panicking.
	Translate(ctx context.Context, texts []string, targetLang, sourceLang string, format Format) Result

	// CheckHealth verifies that the translation backend is ready and operational.
	CheckHealth(ctx context.Context) error
}
