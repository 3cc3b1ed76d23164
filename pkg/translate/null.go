package translate

import (
	"context"
)

// NullTranslator returns the source texts unchanged, or prefixed with
// "[<target>] " when Prefix is set. It is the default engine outside
// production and makes untranslated text easy to spot in a UI.
type NullTranslator struct {
	Prefix bool
}

// NewNullTranslator creates a Null engine.
func NewNullTranslator(prefix bool) *NullTranslator {
	return &NullTranslator{Prefix: prefix}
}

// Name implements Translator.
func (n *NullTranslator) Name() string { return string(EngineNull) }

// Translate implements Translator.
func (n *NullTranslator) Translate(ctx context.Context, texts []string, targetLang, sourceLang string, format Format) Result {
	if err := ctx.Err(); err != nil {
		return Result{Texts: make([]string, len(texts)), Err: err}
	}
	out := make([]string, len(texts))
	size := 0
	for i, t := range texts {
		if n.Prefix {
			t = "[" + targetLang + "] " + t
		}
		out[i] = t
		size += len(t)
	}
	return Result{OK: true, Texts: out, HTTPCode: 200, ResponseLen: size}
}

// CheckHealth implements Translator.
func (n *NullTranslator) CheckHealth(ctx context.Context) error { return nil }
