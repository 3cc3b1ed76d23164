package bundle

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasmlab/textbundle/pkg/cache"
	"github.com/dasmlab/textbundle/pkg/catalog"
	"github.com/dasmlab/textbundle/pkg/crontoken"
	"github.com/dasmlab/textbundle/pkg/extract"
	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/service"
	"github.com/dasmlab/textbundle/pkg/storage"
	"github.com/dasmlab/textbundle/pkg/templates"
	"github.com/dasmlab/textbundle/pkg/translate"
)

type fixture struct {
	root    string
	catalog *catalog.Store
	queue   *queue.Queue
	tokens  *crontoken.Memory
	logger  *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.OpenMemory(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &fixture{
		root:    t.TempDir(),
		catalog: catalog.New(db, catalog.WithLogger(logger)),
		queue:   queue.New(db, queue.WithLogger(logger)),
		tokens:  crontoken.NewMemory(0),
		logger:  logger,
	}
}

func (f *fixture) template(t *testing.T, kind, subject, body string) {
	t.Helper()
	path := filepath.Join(f.root, kind, subject+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func (f *fixture) assembler(opts ...Option) *Assembler {
	opts = append([]Option{WithLogger(f.logger), WithTokens(f.tokens)}, opts...)
	return NewAssembler(templates.NewFS(f.root, f.logger), f.catalog, f.queue, Config{}, opts...)
}

func (f *fixture) drain(t *testing.T) service.RunStats {
	t.Helper()
	p := service.NewJobProcessor(f.queue, f.catalog, translate.NewNullTranslator(true), nil,
		service.ProcessorConfig{WorkerID: "test"}, f.logger)
	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	return stats
}

func (f *fixture) queuedKeys(t *testing.T) []string {
	t.Helper()
	jobs, err := f.queue.Candidates(context.Background(), 100, time.Hour, queue.Scope{})
	require.NoError(t, err)
	keys := make([]string, 0, len(jobs))
	for _, j := range jobs {
		keys = append(keys, j.StringKey)
	}
	sort.Strings(keys)
	return keys
}

func render(t *testing.T, b *Bundle) string {
	t.Helper()
	out, err := b.Data.MarshalJSON()
	require.NoError(t, err)
	return string(out)
}

func TestBaseLanguageShortCircuit(t *testing.T) {
	f := newFixture(t)
	body := `{"meta":{"title":"x"},"greeting":"Hello","count":3,"nav":{"home":"Home"}}`
	f.template(t, "commonContent", "hope", body)

	for _, lang := range []string{"en", "eng00"} {
		b, err := f.assembler().Assemble(context.Background(), Request{Kind: "commonContent", Subject: "hope", Language: lang})
		require.NoError(t, err)
		assert.Equal(t, body, render(t, b))
		assert.True(t, b.Meta.TranslationComplete)
		assert.Empty(t, b.Meta.ContinuationToken)
		assert.Equal(t, 2, b.Meta.Total)
	}

	qs, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, qs.Total())

	// The base language still seeds the catalog.
	var n int
	require.NoError(t, f.catalog.DB().QueryRow(`SELECT COUNT(*) FROM strings`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.template(t, "commonContent", "hope", `{"greeting":"Hello"}`)
	a := f.assembler()
	req := Request{Kind: "commonContent", Subject: "hope", Language: "frn00"}

	first, err := a.Assemble(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, `{"greeting":"Hello"}`, render(t, first))
	assert.False(t, first.Meta.TranslationComplete)
	assert.Equal(t, "fr", first.Meta.LanguageGoogle)
	assert.Equal(t, 1, first.Meta.Missing)
	assert.Equal(t, 1, first.Meta.Queued)
	assert.NotEmpty(t, first.Meta.ContinuationToken)

	jobs, err := f.queue.Candidates(ctx, 10, time.Hour, queue.Scope{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "fr", jobs[0].TargetLang)
	assert.Equal(t, catalog.KeyHash("Hello"), jobs[0].SourceKeyHash)
	assert.Equal(t, "f7ff9e8b7bb2e09b70935a5d785e0cc5d9d0abf0", jobs[0].SourceKeyHash)

	var stringID int64
	require.NoError(t, f.catalog.DB().QueryRow(
		`SELECT string_id FROM strings WHERE key_hash = ?`, catalog.KeyHash("Hello")).Scan(&stringID))
	assert.Equal(t, stringID, jobs[0].SourceStringID)

	stats := f.drain(t)
	assert.Equal(t, 1, stats.Succeeded)

	second, err := a.Assemble(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, `{"greeting":"[fr] Hello"}`, render(t, second))
	assert.True(t, second.Meta.TranslationComplete)
	assert.Empty(t, second.Meta.ContinuationToken)
	assert.NotEqual(t, first.ETag, second.ETag)

	qs, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, qs.Total())

	// The token issued with the incomplete bundle is redeemable once.
	ok, err := f.tokens.Authorize(ctx, first.Meta.ContinuationToken)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMissingSetEqualsEnqueuedSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.template(t, "commonContent", "hope", `{"a":"One","b":"Two","c":{"d":"Three"},"e":["Four"]}`)
	a := f.assembler()

	_, err := a.Assemble(ctx, Request{Kind: "commonContent", Subject: "hope", Language: "es"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c.d", "e.0"}, f.queuedKeys(t))

	// Translate two of them by hand, one of them with an echo of the source.
	var oneID, twoID int64
	require.NoError(t, f.catalog.DB().QueryRow(`SELECT string_id FROM strings WHERE english_text = 'One'`).Scan(&oneID))
	require.NoError(t, f.catalog.DB().QueryRow(`SELECT string_id FROM strings WHERE english_text = 'Two'`).Scan(&twoID))
	_, err = f.catalog.UpsertTranslation(ctx, catalog.Translation{StringID: oneID, Language: "es", Text: "Uno"})
	require.NoError(t, err)
	_, err = f.catalog.UpsertTranslation(ctx, catalog.Translation{StringID: twoID, Language: "es", Text: " two "})
	require.NoError(t, err)
	_, err = f.catalog.DB().Exec(`DELETE FROM translation_queue`)
	require.NoError(t, err)

	b, err := a.Assemble(ctx, Request{Kind: "commonContent", Subject: "hope", Language: "es"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"Uno","b":"Two","c":{"d":"Three"},"e":["Four"]}`, render(t, b))
	assert.False(t, b.Meta.TranslationComplete)
	assert.Equal(t, 1, b.Meta.Translated)
	assert.Equal(t, 3, b.Meta.Missing)
	assert.Equal(t, []string{"b", "c.d", "e.0"}, f.queuedKeys(t))
}

func TestDuplicateTextQueuedOnce(t *testing.T) {
	f := newFixture(t)
	f.template(t, "commonContent", "hope", `{"top":"Next","bottom":"Next"}`)

	b, err := f.assembler().Assemble(context.Background(), Request{Kind: "commonContent", Subject: "hope", Language: "fr"})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Meta.Missing)
	assert.Equal(t, 1, b.Meta.Queued)
	assert.Len(t, f.queuedKeys(t), 1)

	f.drain(t)
	b, err = f.assembler().Assemble(context.Background(), Request{Kind: "commonContent", Subject: "hope", Language: "fr"})
	require.NoError(t, err)
	assert.Equal(t, `{"top":"[fr] Next","bottom":"[fr] Next"}`, render(t, b))
	assert.True(t, b.Meta.TranslationComplete)
}

func TestExclusionPruning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.template(t, "commonContent", "hope", `{"greeting":"Hello","video":{"videoCode":"XYZ","label":"Play"}}`)
	a := f.assembler(WithExcludes(extract.NewRules([]extract.Rule{{Keys: []string{"video.videoCode"}}})))

	b, err := a.Assemble(ctx, Request{Kind: "commonContent", Subject: "hope", Language: "fr"})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Meta.Total)

	count := func(text string) int {
		var n int
		require.NoError(t, f.catalog.DB().QueryRow(`SELECT COUNT(*) FROM strings WHERE english_text = ?`, text).Scan(&n))
		return n
	}
	assert.Zero(t, count("XYZ"))
	assert.Equal(t, 1, count("Play"))
	assert.Equal(t, []string{"greeting", "video.label"}, f.queuedKeys(t))

	// The excluded leaf is served untouched.
	f.drain(t)
	b, err = a.Assemble(ctx, Request{Kind: "commonContent", Subject: "hope", Language: "fr"})
	require.NoError(t, err)
	assert.Equal(t, `{"greeting":"[fr] Hello","video":{"videoCode":"XYZ","label":"[fr] Play"}}`, render(t, b))
}

func TestTemplateMetaExcludeKeys(t *testing.T) {
	f := newFixture(t)
	f.template(t, "commonContent", "hope", `{"meta":{"excludeKeys":["links"]},"title":"Hope","links":{"site":"Website"}}`)

	b, err := f.assembler().Assemble(context.Background(), Request{Kind: "commonContent", Subject: "hope", Language: "fr"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Meta.Total)
	assert.Equal(t, []string{"title"}, f.queuedKeys(t))
}

func TestIdentity(t *testing.T) {
	a := NewAssembler(nil, nil, nil, Config{})
	tests := []struct {
		name string
		req  Request
		want catalog.Scope
	}{
		{
			name: "interface with site",
			req:  Request{Kind: "interface", Subject: "menu", Variant: "wsu"},
			want: catalog.Scope{ClientCode: "wsu", ResourceType: "interface", Subject: "app"},
		},
		{
			name: "interface default site",
			req:  Request{Kind: "interface", Subject: "app"},
			want: catalog.Scope{ClientCode: "default", ResourceType: "interface", Subject: "app"},
		},
		{
			name: "content kind",
			req:  Request{Kind: "commonContent", Subject: "hope", Variant: "youth"},
			want: catalog.Scope{ClientCode: "shared", ResourceType: "commonContent", Subject: "hope", Variant: "youth"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Identity(tt.req))
		})
	}
}

func TestOnlyCompleteBundlesAreMemoized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.template(t, "commonContent", "hope", `{"greeting":"Hello"}`)
	c := cache.NewMemory(0)
	a := f.assembler(WithCache(c))
	req := Request{Kind: "commonContent", Subject: "hope", Language: "fr"}

	b, err := a.Assemble(ctx, req)
	require.NoError(t, err)
	assert.False(t, b.Meta.Cached)
	assert.Zero(t, c.Len())

	f.drain(t)
	b, err = a.Assemble(ctx, req)
	require.NoError(t, err)
	assert.True(t, b.Meta.TranslationComplete)
	assert.False(t, b.Meta.Cached)
	assert.Equal(t, 1, c.Len())

	hit, err := a.Assemble(ctx, req)
	require.NoError(t, err)
	assert.True(t, hit.Meta.Cached)
	assert.Equal(t, b.ETag, hit.ETag)
	assert.Equal(t, `{"greeting":"[fr] Hello"}`, render(t, hit))
}

type recordingSpawner struct {
	mu     sync.Mutex
	scopes []queue.Scope
}

func (r *recordingSpawner) Spawn(scope queue.Scope) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope)
	return true, nil
}

func TestIncompleteBundleSpawnsWorker(t *testing.T) {
	f := newFixture(t)
	f.template(t, "interface", "app", `{"nav":{"home":"Home"}}`)
	s := &recordingSpawner{}

	_, err := f.assembler(WithSpawner(s)).Assemble(context.Background(), Request{Kind: "interface", Subject: "app", Language: "es", Variant: "wsu"})
	require.NoError(t, err)
	require.Len(t, s.scopes, 1)
	assert.Equal(t, queue.Scope{TargetLang: "es", ClientCode: "wsu", ResourceType: "interface", Subject: "app"}, s.scopes[0])
}

func TestAssembleErrors(t *testing.T) {
	f := newFixture(t)
	f.template(t, "commonContent", "hope", `{"greeting":"Hello"}`)
	a := f.assembler()
	ctx := context.Background()

	_, err := a.Assemble(ctx, Request{Kind: "commonContent", Language: "fr"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = a.Assemble(ctx, Request{Kind: "commonContent", Subject: "hope", Language: "fr", Variant: "a b"})
	assert.True(t, errors.Is(err, ErrInvalidRequest), "%v", err)

	_, err = a.Assemble(ctx, Request{Kind: "../commonContent", Subject: "hope", Language: "fr"})
	assert.True(t, errors.Is(err, ErrInvalidRequest), "%v", err)

	for _, lang := range []string{"xyz99", "not a language!!", "12", "und"} {
		_, err = a.Assemble(ctx, Request{Kind: "commonContent", Subject: "hope", Language: lang})
		assert.True(t, errors.Is(err, ErrUnknownLanguage), "%q: %v", lang, err)
	}
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	_, err = a.Assemble(ctx, Request{Kind: "commonContent", Subject: "missing", Language: "fr"})
	assert.True(t, errors.Is(err, templates.ErrNotFound))
}

func TestIsTranslated(t *testing.T) {
	tests := []struct {
		source, translated string
		want               bool
	}{
		{"Hello", "Bonjour", true},
		{"Hello", "", false},
		{"Hello", "   ", false},
		{"Hello", "hello", false},
		{"Hello  world", " HELLO world ", false},
		{"Caf\u00e9", "Cafe\u0301", false},
		{"Hello", "[fr] Hello", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTranslated(tt.source, tt.translated), "%q -> %q", tt.source, tt.translated)
	}
}
