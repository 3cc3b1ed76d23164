package service

import (
	"fmt"
	"regexp"
	"time"
)

// Outcome is the classification of one provider result for one job.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Default classification rules. Code 0 means no HTTP response arrived.
var (
	DefaultTransientCodes    = []int{0, 408, 429}
	DefaultTransientPatterns = []string{`(?i)timeout|temporar|reset|quota|rate`}
)

// Classifier sorts provider results into success, transient failure and
// permanent failure. The rule table is data so that deployments can follow a
// provider whose error text changes.
type Classifier struct {
	transientCodes map[int]bool
	// serverErrors makes every status >= 500 transient.
	serverErrors bool
	patterns     []*regexp.Regexp
}

// NewClassifier compiles a rule table. Nil codes or patterns select the
// defaults; pass empty slices to disable them.
func NewClassifier(codes []int, patterns []string) (*Classifier, error) {
	if codes == nil {
		codes = DefaultTransientCodes
	}
	if patterns == nil {
		patterns = DefaultTransientPatterns
	}
	c := &Classifier{
		transientCodes: make(map[int]bool, len(codes)),
		serverErrors:   true,
	}
	for _, code := range codes {
		c.transientCodes[code] = true
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("service: transient pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// DefaultClassifier returns the built-in rule table.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify decides the outcome of a provider call for one job.
func (c *Classifier) Classify(ok bool, httpCode int, translated, errText string) Outcome {
	if ok && httpCode >= 200 && httpCode < 300 && translated != "" {
		return OutcomeSuccess
	}
	if c.transientCodes[httpCode] || (c.serverErrors && httpCode >= 500) {
		return OutcomeTransient
	}
	for _, re := range c.patterns {
		if errText != "" && re.MatchString(errText) {
			return OutcomeTransient
		}
	}
	return OutcomePermanent
}

// Backoff is the retry schedule for transient failures.
type Backoff struct {
	// Base is the delay after the first failed attempt. Default: 1m.
	Base time.Duration
	// Max caps the delay. Default: 32m.
	Max time.Duration
	// MaxAttempts is the attempt count at which a job is dead-lettered.
	// Default: 6.
	MaxAttempts int
}

func (b *Backoff) defaults() {
	if b.Base <= 0 {
		b.Base = time.Minute
	}
	if b.Max <= 0 {
		b.Max = 32 * time.Minute
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 6
	}
}

// Delay returns Base * 2^(attempts-1), capped at Max.
func (b Backoff) Delay(attempts int) time.Duration {
	b.defaults()
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Exhausted reports whether a job with attempts failed attempts must be
// dead-lettered.
func (b Backoff) Exhausted(attempts int) bool {
	b.defaults()
	return attempts >= b.MaxAttempts
}
