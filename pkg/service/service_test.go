package service

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasmlab/textbundle/pkg/catalog"
	"github.com/dasmlab/textbundle/pkg/extract"
	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/storage"
	"github.com/dasmlab/textbundle/pkg/translate"
)

type stubTranslator struct {
	mu      sync.Mutex
	calls   [][]string
	targets []string
	respond func(texts []string, target string) translate.Result
}

func (s *stubTranslator) Name() string { return "stub" }

func (s *stubTranslator) Translate(ctx context.Context, texts []string, target, source string, format translate.Format) translate.Result {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), texts...))
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(texts, target)
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[" + target + "] " + t
	}
	return translate.Result{OK: true, Texts: out, HTTPCode: 200}
}

func (s *stubTranslator) CheckHealth(ctx context.Context) error { return nil }

func (s *stubTranslator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func failing(code int, msg string) func([]string, string) translate.Result {
	return func(texts []string, target string) translate.Result {
		return translate.Result{Texts: make([]string, len(texts)), HTTPCode: code, Err: errors.New(msg)}
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	clock   *fakeClock
	catalog *catalog.Store
	queue   *queue.Queue
	tr      *stubTranslator
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := storage.OpenMemory(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return &env{
		clock:   clock,
		catalog: catalog.New(db, catalog.WithClock(clock.Now), catalog.WithLogger(quietLogger())),
		queue:   queue.New(db, queue.WithClock(clock.Now), queue.WithLogger(quietLogger())),
		tr:      &stubTranslator{},
	}
}

func (e *env) processor(rules *extract.Rules) *JobProcessor {
	return NewJobProcessor(e.queue, e.catalog, e.tr, rules, ProcessorConfig{WorkerID: "test-worker", BatchSize: 10}, quietLogger())
}

// enqueue seeds the catalog with text and queues it for target.
func (e *env) enqueue(t *testing.T, key, text, target string) queue.Job {
	t.Helper()
	ctx := context.Background()
	clientID, resourceID, err := e.catalog.Resolve(ctx, catalog.Scope{ClientCode: "shared", ResourceType: "commonContent", Subject: "hope"})
	require.NoError(t, err)
	id, err := e.catalog.EnsureString(ctx, clientID, resourceID, text)
	require.NoError(t, err)

	j := queue.Job{
		SourceStringID: id,
		ClientCode:     "shared",
		ResourceType:   "commonContent",
		Subject:        "hope",
		StringKey:      key,
		SourceKeyHash:  catalog.KeyHash(text),
		SourceText:     text,
		SourceLang:     "en",
		TargetLang:     target,
	}
	require.NoError(t, e.queue.Enqueue(ctx, j))
	return j
}

func TestClassifier(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		name       string
		ok         bool
		code       int
		translated string
		errText    string
		want       Outcome
	}{
		{"success", true, 200, "Bonjour", "", OutcomeSuccess},
		{"empty text is not success", true, 200, "", "empty translation", OutcomePermanent},
		{"ok flag required", false, 200, "Bonjour", "decode response: eof", OutcomePermanent},
		{"network", false, 0, "", "dial tcp: connection refused", OutcomeTransient},
		{"request timeout", false, 408, "", "", OutcomeTransient},
		{"rate limited", false, 429, "", "", OutcomeTransient},
		{"server error", false, 503, "", "", OutcomeTransient},
		{"quota text", false, 403, "", "Daily Limit Exceeded: quota", OutcomeTransient},
		{"rate text", false, 403, "", "User Rate Limit Exceeded", OutcomeTransient},
		{"bad request", false, 400, "", "Invalid Value", OutcomePermanent},
		{"forbidden", false, 403, "", "API key not valid", OutcomePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.ok, tt.code, tt.translated, tt.errText))
		})
	}
}

func TestClassifierOverrides(t *testing.T) {
	c, err := NewClassifier([]int{403}, []string{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransient, c.Classify(false, 403, "", ""))
	assert.Equal(t, OutcomePermanent, c.Classify(false, 0, "", "timeout"))
	assert.Equal(t, OutcomeTransient, c.Classify(false, 500, "", ""))

	_, err = NewClassifier(nil, []string{"("})
	assert.Error(t, err)
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	b := Backoff{}
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute}
	prev := time.Duration(0)
	for attempts := 1; attempts < 6; attempts++ {
		d := b.Delay(attempts)
		assert.Equal(t, want[attempts-1], d)
		assert.GreaterOrEqual(t, d, prev)
		assert.False(t, b.Exhausted(attempts))
		prev = d
	}
	assert.True(t, b.Exhausted(6))
	assert.Equal(t, 32*time.Minute, b.Delay(6))
	assert.Equal(t, 32*time.Minute, b.Delay(60))

	custom := Backoff{Base: time.Second, Max: 5 * time.Second, MaxAttempts: 3}
	assert.Equal(t, 4*time.Second, custom.Delay(3))
	assert.Equal(t, 5*time.Second, custom.Delay(4))
	assert.True(t, custom.Exhausted(3))
}

func TestRunOnceSuccessStoresTranslationAndDeletesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	j := e.enqueue(t, "greeting", "Hello", "fr")

	stats, err := e.processor(nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Succeeded)

	got, err := e.catalog.FetchTranslations(ctx, []int64{j.SourceStringID}, "fr")
	require.NoError(t, err)
	assert.Equal(t, "[fr] Hello", got[j.SourceStringID].Text)
	assert.Equal(t, catalog.StatusMachine, got[j.SourceStringID].Status)
	assert.Equal(t, "stub", got[j.SourceStringID].Source)

	qs, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, qs.Total())
}

func TestRunOnceGroupsByLanguagePair(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "a", "One", "fr")
	e.enqueue(t, "b", "Two", "es")
	e.enqueue(t, "c", "Three", "fr")

	stats, err := e.processor(nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Succeeded)
	require.Equal(t, 2, e.tr.callCount())
	assert.Equal(t, []string{"One", "Three"}, e.tr.calls[0])
	assert.Equal(t, []string{"Two"}, e.tr.calls[1])
}

func TestRunOnceTransientFailuresBackOffThenDeadLetter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.tr.respond = failing(503, "backend unavailable")
	e.enqueue(t, "greeting", "Hello", "fr")
	p := e.processor(nil)

	prevDelay := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		stats, err := p.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Claimed, "attempt %d", attempt)

		if attempt < 6 {
			assert.Equal(t, 1, stats.Retryable)
			cands, err := e.queue.Candidates(ctx, 10, time.Hour, queue.Scope{})
			require.NoError(t, err)
			assert.Empty(t, cands, "requeued job waits for its backoff")

			all, err := e.queue.Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, all.Queued)

			delay := Backoff{}.Delay(attempt)
			assert.GreaterOrEqual(t, delay, prevDelay)
			prevDelay = delay
			e.clock.Advance(delay)
			continue
		}

		assert.Equal(t, 1, stats.Permanent)
		cands, err := e.queue.Candidates(ctx, 1, time.Hour, queue.Scope{})
		require.NoError(t, err)
		assert.Empty(t, cands)
	}

	qs, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, qs.Failed)

	var attempts, code int
	var lastErr string
	require.NoError(t, e.catalog.DB().QueryRow(
		`SELECT attempts, last_error, last_http_code FROM translation_queue`).Scan(&attempts, &lastErr, &code))
	assert.Equal(t, 6, attempts)
	assert.Equal(t, "backend unavailable", lastErr)
	assert.Equal(t, 503, code)

	// A failed job is never picked up again.
	e.clock.Advance(24 * time.Hour)
	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Idle())
	assert.Equal(t, 6, e.tr.callCount())
}

func TestRunOncePermanentFailureDeadLettersImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.tr.respond = failing(400, "Invalid Value")
	e.enqueue(t, "greeting", "Hello", "xx")

	stats, err := e.processor(nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Permanent)

	qs, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, qs.Failed)
}

func TestRunOnceEmptyTranslationIsPermanent(t *testing.T) {
	e := newEnv(t)
	e.tr.respond = func(texts []string, target string) translate.Result {
		return translate.Result{OK: true, Texts: make([]string, len(texts)), HTTPCode: 200}
	}
	e.enqueue(t, "greeting", "Hello", "fr")

	stats, err := e.processor(nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Permanent)
}

func TestRunOnceIgnoresExcludedKeysWithoutCallingProvider(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.enqueue(t, "video.videoCode", "XYZ", "fr")
	e.enqueue(t, "links.0.url", "https://example.org", "fr")
	e.enqueue(t, "video.label", "Play", "fr")

	rules := extract.NewRules([]extract.Rule{
		{Type: "commonContent", Subject: "hope", Keys: []string{"video.videoCode", "links"}},
	})
	stats, err := e.processor(rules).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Ignored)
	assert.Equal(t, 1, stats.Succeeded)
	require.Equal(t, 1, e.tr.callCount())
	assert.Equal(t, []string{"Play"}, e.tr.calls[0])

	qs, err := e.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, qs.Ignored)
}

func TestRunOnceResolvesMissingStringID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.queue.Enqueue(ctx, queue.Job{
		ClientCode:    "default",
		ResourceType:  "interface",
		Subject:       "app",
		StringKey:     "nav.home",
		SourceKeyHash: catalog.KeyHash("Home"),
		SourceText:    "Home",
		SourceLang:    "en",
		TargetLang:    "fr",
	}))

	stats, err := e.processor(nil).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)

	clientID, resourceID, err := e.catalog.Resolve(ctx, catalog.Scope{ClientCode: "default", ResourceType: "interface", Subject: "app"})
	require.NoError(t, err)
	id, err := e.catalog.EnsureString(ctx, clientID, resourceID, "Home")
	require.NoError(t, err)
	got, err := e.catalog.FetchTranslations(ctx, []int64{id}, "fr")
	require.NoError(t, err)
	assert.Equal(t, "[fr] Home", got[id].Text)
}

func TestRunOnceDoesNotDowngradeApproved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	j := e.enqueue(t, "greeting", "Hello", "fr")
	_, err := e.catalog.UpsertTranslation(ctx, catalog.Translation{
		StringID: j.SourceStringID, Language: "fr", Text: "Bonjour", Status: catalog.StatusApproved,
	})
	require.NoError(t, err)

	stats, err := e.processor(nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	got, err := e.catalog.FetchTranslations(ctx, []int64{j.SourceStringID}, "fr")
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", got[j.SourceStringID].Text)
}

func TestRunStopsWhenIdle(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "a", "One", "fr")
	e.enqueue(t, "b", "Two", "fr")

	total := e.processor(nil).Run(context.Background(), RunOptions{StopWhenIdle: true, PollInterval: time.Millisecond})
	assert.Equal(t, 2, total.Succeeded)
	assert.Equal(t, 2, total.Claimed)
}

func TestRunHonoursDuration(t *testing.T) {
	e := newEnv(t)
	start := time.Now()
	total := e.processor(nil).Run(context.Background(), RunOptions{
		Duration:     50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	assert.True(t, total.Idle())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunOncePrefersScope(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "a", "One", "fr")
	e.enqueue(t, "b", "Two", "es")

	p := NewJobProcessor(e.queue, e.catalog, e.tr, nil, ProcessorConfig{
		WorkerID:  "scoped",
		BatchSize: 1,
		Scope:     queue.Scope{TargetLang: "es"},
	}, quietLogger())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, []string{"es"}, e.tr.targets)
}

func TestSpawnerThrottlesPerScope(t *testing.T) {
	s, err := NewSpawner(SpawnConfig{Executable: "/bin/textbundle", BaseArgs: []string{"--config", "c.yaml"}, Throttle: time.Minute}, quietLogger())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	var started [][]string
	s.start = func(cmd *exec.Cmd) error {
		started = append(started, cmd.Args)
		return nil
	}

	scope := queue.Scope{TargetLang: "fr", ClientCode: "shared", ResourceType: "commonContent", Subject: "hope"}
	ok, err := s.Spawn(scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Spawn(scope)
	require.NoError(t, err)
	assert.False(t, ok)

	other := scope
	other.TargetLang = "es"
	ok, err = s.Spawn(other)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = s.Spawn(scope)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, started, 3)
	assert.Equal(t, []string{
		"/bin/textbundle", "--config", "c.yaml", "worker",
		"--lang", "fr", "--client", "shared", "--type", "commonContent",
		"--subject", "hope", "--variant", "", "--seconds", "20", "--batch", "25",
	}, started[0])
}

func TestSpawnerStartErrorAllowsRetry(t *testing.T) {
	s, err := NewSpawner(SpawnConfig{Executable: "/bin/textbundle"}, quietLogger())
	require.NoError(t, err)
	s.start = func(cmd *exec.Cmd) error { return errors.New("exec format error") }

	_, err = s.Spawn(queue.Scope{TargetLang: "fr"})
	assert.Error(t, err)

	s.start = func(cmd *exec.Cmd) error { return nil }
	ok, err := s.Spawn(queue.Scope{TargetLang: "fr"})
	require.NoError(t, err)
	assert.True(t, ok)
}
