// Package bundle assembles localized text bundles.
//
// An assembled bundle is the template tree with every translatable leaf
// replaced by its stored translation. Leaves without a usable translation
// keep their source text and are queued for machine translation; the
// response then reports translationComplete=false and carries a single-use
// continuation token.
package bundle

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/cache"
	"github.com/dasmlab/textbundle/pkg/catalog"
	"github.com/dasmlab/textbundle/pkg/crontoken"
	"github.com/dasmlab/textbundle/pkg/extract"
	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/templates"
	"github.com/dasmlab/textbundle/pkg/translate"
	"github.com/dasmlab/textbundle/pkg/tree"
)

var (
	// ErrInvalidRequest is returned for an incomplete request.
	ErrInvalidRequest = errors.New("bundle: invalid request")
	// ErrUnknownLanguage is returned when a language code has no mapping.
	ErrUnknownLanguage = errors.New("bundle: unknown language")
)

// KindInterface is the kind of the application UI bundle. Its identity is
// mapped differently from content kinds, see Identity.
const KindInterface = "interface"

// Request names one bundle.
type Request struct {
	Kind     string
	Subject  string
	Language string // HL code or Google code
	Variant  string
}

// Meta describes an assembled bundle.
type Meta struct {
	Kind                string `json:"kind"`
	Subject             string `json:"subject"`
	Variant             string `json:"variant,omitempty"`
	Language            string `json:"language"`
	LanguageGoogle      string `json:"languageGoogle"`
	Version             string `json:"version"`
	TranslationComplete bool   `json:"translationComplete"`
	Total               int    `json:"total"`
	Translated          int    `json:"translated"`
	Missing             int    `json:"missing"`
	Queued              int    `json:"queued"`
	ContinuationToken   string `json:"continuationToken,omitempty"`
	Cached              bool   `json:"cached"`
}

// Bundle is the assembler output.
type Bundle struct {
	Data *tree.Value `json:"data"`
	ETag string      `json:"etag"`
	Meta Meta        `json:"meta"`
}

// Spawner kicks an out-of-band worker for a scope.
type Spawner interface {
	Spawn(scope queue.Scope) (bool, error)
}

// Config tunes the assembler.
type Config struct {
	// BaseLanguage is the Google code of the source text. Default: "en".
	BaseLanguage string
	// SharedClientCode owns content bundles. Default: "shared".
	SharedClientCode string
	// DefaultSiteCode owns interface bundles without a variant.
	// Default: "default".
	DefaultSiteCode string
	// CacheTTL is the lifetime of a memoized bundle. Zero keeps it until the
	// template version changes.
	CacheTTL time.Duration
	// Priority is given to jobs queued by assembly.
	Priority int
}

func (c *Config) defaults() {
	if c.BaseLanguage == "" {
		c.BaseLanguage = "en"
	}
	if c.SharedClientCode == "" {
		c.SharedClientCode = "shared"
	}
	if c.DefaultSiteCode == "" {
		c.DefaultSiteCode = "default"
	}
}

// Assembler builds bundles from templates, the catalog and the queue.
type Assembler struct {
	templates templates.Loader
	catalog   *catalog.Store
	queue     *queue.Queue
	languages *translate.LanguageMapper
	excludes  *extract.Rules
	cache     cache.Cache
	tokens    crontoken.Issuer
	spawner   Spawner
	cfg       Config
	logger    *logrus.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option { return func(a *Assembler) { a.logger = l } }

// WithCache memoizes complete bundles in c.
func WithCache(c cache.Cache) Option { return func(a *Assembler) { a.cache = c } }

// WithTokens issues a continuation token for every incomplete bundle.
func WithTokens(t crontoken.Issuer) Option { return func(a *Assembler) { a.tokens = t } }

// WithSpawner starts a worker for every incomplete bundle.
func WithSpawner(s Spawner) Option { return func(a *Assembler) { a.spawner = s } }

// WithExcludes sets the configured exclusion rules.
func WithExcludes(r *extract.Rules) Option { return func(a *Assembler) { a.excludes = r } }

// WithLanguageMapper replaces the default HL code table.
func WithLanguageMapper(m *translate.LanguageMapper) Option {
	return func(a *Assembler) { a.languages = m }
}

// NewAssembler creates an assembler.
func NewAssembler(tpl templates.Loader, cat *catalog.Store, q *queue.Queue, cfg Config, opts ...Option) *Assembler {
	cfg.defaults()
	a := &Assembler{
		templates: tpl,
		catalog:   cat,
		queue:     q,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logrus.New()
	}
	if a.languages == nil {
		a.languages = translate.NewLanguageMapper(nil)
	}
	return a
}

// Identity maps a request to its catalog scope. Interface bundles belong to
// the site named by the variant and share one "app" resource; every other
// kind belongs to the shared client and is keyed by its own triple. The
// mapping never reads template metadata, so one tenant's template cannot
// steer rows into another tenant's scope.
func (a *Assembler) Identity(req Request) catalog.Scope {
	if req.Kind == KindInterface {
		site := req.Variant
		if site == "" {
			site = a.cfg.DefaultSiteCode
		}
		return catalog.Scope{
			ClientCode:   site,
			ResourceType: KindInterface,
			Subject:      "app",
		}
	}
	return catalog.Scope{
		ClientCode:   a.cfg.SharedClientCode,
		ResourceType: req.Kind,
		Subject:      req.Subject,
		Variant:      req.Variant,
	}
}

// CacheKey is the memoization key of a bundle at a template version.
func CacheKey(req Request, lang, version string) string {
	return strings.Join([]string{req.Kind, req.Subject, lang, req.Variant, version}, "|")
}

// Assemble builds the bundle for req.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Bundle, error) {
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("%w: kind and subject are required", ErrInvalidRequest)
	}
	lang, ok := a.languages.ToGoogle(req.Language)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, req.Language)
	}

	tpl, err := a.templates.Load(ctx, req.Kind, req.Subject, req.Variant)
	if errors.Is(err, templates.ErrInvalidName) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("bundle: load template: %w", err)
	}

	key := CacheKey(req, lang, tpl.Version)
	if b := a.cached(ctx, key); b != nil {
		bundlesTotal.WithLabelValues("cached").Inc()
		return b, nil
	}

	scope := a.Identity(req)
	log := a.logger.WithFields(scope.Fields()).WithField("lang", lang)

	matcher := a.excludes.For(scope.ResourceType, scope.Subject, scope.Variant, tpl.ExcludeKeys...)
	leaves := extract.Extract(tpl.Tree, matcher)

	clientID, resourceID, err := a.catalog.Resolve(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve scope: %w", err)
	}
	texts := make(map[string]string, len(leaves))
	for _, leaf := range leaves {
		texts[catalog.KeyHash(leaf.Text)] = leaf.Text
	}
	ids, err := a.catalog.EnsureStringsBatch(ctx, clientID, resourceID, texts)
	if err != nil {
		return nil, fmt.Errorf("bundle: ensure strings: %w", err)
	}

	meta := Meta{
		Kind:           req.Kind,
		Subject:        req.Subject,
		Variant:        req.Variant,
		Language:       req.Language,
		LanguageGoogle: lang,
		Version:        tpl.Version,
		Total:          len(leaves),
	}

	if lang == a.cfg.BaseLanguage {
		meta.Translated = len(leaves)
		meta.TranslationComplete = true
		b, err := a.finish(ctx, key, tpl.Tree.Clone(), meta)
		if err != nil {
			return nil, err
		}
		bundlesTotal.WithLabelValues("base").Inc()
		return b, nil
	}

	stringIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		stringIDs = append(stringIDs, id)
	}
	existing, err := a.catalog.FetchTranslations(ctx, stringIDs, lang)
	if err != nil {
		return nil, fmt.Errorf("bundle: fetch translations: %w", err)
	}

	data := tpl.Tree.Clone()
	var jobs []queue.Job
	queued := make(map[int64]bool)
	for _, leaf := range leaves {
		hash := catalog.KeyHash(leaf.Text)
		id := ids[hash]
		if t, ok := existing[id]; ok && IsTranslated(leaf.Text, t.Text) {
			if err := data.SetPath(leaf.Path, tree.String(t.Text)); err != nil {
				return nil, fmt.Errorf("bundle: apply %s: %w", leaf.Key(), err)
			}
			meta.Translated++
			continue
		}
		meta.Missing++
		if queued[id] {
			continue
		}
		queued[id] = true
		jobs = append(jobs, queue.Job{
			SourceStringID: id,
			ClientCode:     scope.ClientCode,
			ResourceType:   scope.ResourceType,
			Subject:        scope.Subject,
			Variant:        scope.Variant,
			StringKey:      leaf.Key(),
			SourceKeyHash:  hash,
			SourceText:     leaf.Text,
			SourceLang:     a.cfg.BaseLanguage,
			TargetLang:     lang,
			Priority:       a.cfg.Priority,
		})
	}

	if len(jobs) > 0 {
		if err := a.queue.EnqueueBatch(ctx, jobs); err != nil {
			return nil, fmt.Errorf("bundle: enqueue: %w", err)
		}
		meta.Queued = len(jobs)
		missingLeavesTotal.Add(float64(meta.Missing))
	}
	meta.TranslationComplete = meta.Missing == 0

	if !meta.TranslationComplete {
		meta.ContinuationToken = a.issueToken(ctx, log)
		a.spawn(queue.Scope{
			TargetLang:   lang,
			ClientCode:   scope.ClientCode,
			ResourceType: scope.ResourceType,
			Subject:      scope.Subject,
			Variant:      scope.Variant,
		}, log)
	}

	b, err := a.finish(ctx, key, data, meta)
	if err != nil {
		return nil, err
	}
	if meta.TranslationComplete {
		bundlesTotal.WithLabelValues("complete").Inc()
	} else {
		bundlesTotal.WithLabelValues("incomplete").Inc()
	}
	log.WithFields(logrus.Fields{
		"total":      meta.Total,
		"translated": meta.Translated,
		"missing":    meta.Missing,
		"queued":     meta.Queued,
	}).Debug("Bundle assembled")
	return b, nil
}

// finish computes the ETag and memoizes complete bundles. Incomplete bundles
// are never memoized so that the next request sees the worker's progress.
func (a *Assembler) finish(ctx context.Context, key string, data *tree.Value, meta Meta) (*Bundle, error) {
	raw, err := data.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("bundle: encode: %w", err)
	}
	b := &Bundle{Data: data, ETag: ETag(raw), Meta: meta}

	if a.cache != nil && meta.TranslationComplete {
		payload, err := json.Marshal(b)
		if err == nil {
			err = a.cache.Set(ctx, key, payload, a.cfg.CacheTTL)
		}
		if err != nil {
			a.logger.WithError(err).WithField("cache_key", key).Warn("Failed to memoize bundle")
		}
	}
	return b, nil
}

func (a *Assembler) cached(ctx context.Context, key string) *Bundle {
	if a.cache == nil {
		return nil
	}
	payload, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.logger.WithError(err).WithField("cache_key", key).Warn("Bundle cache lookup failed")
		return nil
	}
	if !ok {
		return nil
	}
	var b Bundle
	if err := json.Unmarshal(payload, &b); err != nil || b.Data == nil {
		a.logger.WithField("cache_key", key).Warn("Discarding unreadable cached bundle")
		_ = a.cache.Delete(ctx, key)
		return nil
	}
	b.Meta.Cached = true
	return &b
}

func (a *Assembler) issueToken(ctx context.Context, log *logrus.Entry) string {
	if a.tokens == nil {
		return ""
	}
	token, err := a.tokens.Issue(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to issue continuation token")
		return ""
	}
	return token
}

func (a *Assembler) spawn(scope queue.Scope, log *logrus.Entry) {
	if a.spawner == nil {
		return
	}
	if _, err := a.spawner.Spawn(scope); err != nil {
		log.WithError(err).Warn("Failed to spawn queue worker")
	}
}

// ETag returns the quoted content hash of an encoded bundle.
func ETag(raw []byte) string {
	sum := sha1.Sum(raw)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
