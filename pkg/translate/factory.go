package translate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

// EngineType represents the type of translation engine to use.
type EngineType string

const (
	// EngineNull echoes the source text. It is the safe default.
	EngineNull EngineType = "null"
	// EngineGoogle uses Google Cloud Translation v2.
	EngineGoogle EngineType = "google"
	// EngineLibreTranslate uses LibreTranslate as the backend.
	EngineLibreTranslate EngineType = "libretranslate"
)

// EnvProduction is the environment class in which paid engines need no
// allow-list entry.
const EnvProduction = "production"

// Config holds configuration for creating a Translator instance.
type Config struct {
	// Engine specifies which translation engine to use.
	Engine EngineType
	// BaseURL is the engine endpoint. Each engine has its own default.
	BaseURL string
	// APIKey authenticates against paid engines.
	APIKey string
	// Model is passed to engines that support model selection.
	Model string
	// NullPrefix makes the Null engine prefix output with "[<target>] ".
	NullPrefix bool
	// Batch bounds chunking and retries of the HTTP engines.
	Batch BatchOptions
	// Logger is the logger instance to use. If nil, a default logger is created.
	Logger *logrus.Logger
}

// constructors is the closed set of engines.
var constructors = map[EngineType]func(Config) Translator{
	EngineNull: func(cfg Config) Translator {
		return NewNullTranslator(cfg.NullPrefix)
	},
	EngineGoogle: func(cfg Config) Translator {
		return NewGoogleClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Batch, cfg.Logger)
	},
	EngineLibreTranslate: func(cfg Config) Translator {
		return NewLibreTranslateClient(cfg.BaseURL, cfg.APIKey, cfg.Batch, cfg.Logger)
	},
}

// NewTranslator creates a new Translator instance based on the configuration.
func NewTranslator(cfg Config) (Translator, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	ctor, ok := constructors[cfg.Engine]
	if !ok {
		cfg.Logger.WithFields(logrus.Fields{
			"engine": cfg.Engine,
		}).Error("Unknown translation engine")
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Engine)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"engine":   cfg.Engine,
		"base_url": cfg.BaseURL,
	}).Info("Creating translator instance")

	return ctor(cfg), nil
}

// ParseEngineType parses a string into an EngineType.
// Returns an error if the string is not a valid engine type.
func ParseEngineType(s string) (EngineType, error) {
	e := EngineType(strings.ToLower(strings.TrimSpace(s)))
	if e == "" {
		return EngineNull, nil
	}
	if _, ok := constructors[e]; !ok {
		return "", fmt.Errorf("%w: %s (supported: null, google, libretranslate)", ErrUnknownEngine, s)
	}
	return e, nil
}

// Policy decides whether a real engine may be used.
type Policy struct {
	// Env is the environment class, e.g. "production" or "development".
	Env string
	// AutoMTEnabled is the master switch for external engines.
	AutoMTEnabled bool
	// Provider is the configured engine name.
	Provider string
	// AllowList names the engines permitted outside production.
	AllowList []string
}

// Choose returns the engine the policy permits and a short reason. Anything
// other than an explicit opt-in yields the Null engine.
func (p Policy) Choose() (EngineType, string, error) {
	engine, err := ParseEngineType(p.Provider)
	if err != nil {
		return "", "", err
	}
	switch {
	case engine == EngineNull:
		return EngineNull, "null engine configured", nil
	case !p.AutoMTEnabled:
		return EngineNull, "auto MT disabled", nil
	case !strings.EqualFold(p.Env, EnvProduction) && !slices.ContainsFunc(p.AllowList, func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), string(engine))
	}):
		return EngineNull, fmt.Sprintf("%s not allow-listed in %s", engine, p.Env), nil
	default:
		return engine, "allowed", nil
	}
}

// Select builds the translator chosen by policy. cfg.Engine is ignored.
func Select(policy Policy, cfg Config) (Translator, error) {
	engine, reason, err := policy.Choose()
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	cfg.Logger.WithFields(logrus.Fields{
		"env":      policy.Env,
		"provider": policy.Provider,
		"engine":   engine,
		"reason":   reason,
	}).Info("Selected translation engine")

	cfg.Engine = engine
	return NewTranslator(cfg)
}
