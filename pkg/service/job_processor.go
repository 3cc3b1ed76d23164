package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dasmlab/textbundle/pkg/catalog"
	"github.com/dasmlab/textbundle/pkg/extract"
	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/tree"
	"github.com/dasmlab/textbundle/pkg/translate"
)

// ProcessorConfig tunes one worker.
type ProcessorConfig struct {
	// WorkerID identifies the lock owner. Default: NewWorkerID().
	WorkerID string
	// BatchSize is the most jobs claimed per tick. Default: 25.
	BatchSize int
	// StaleAfter is the visibility timeout of a lock. Default: 10m.
	StaleAfter time.Duration
	// Scope biases which jobs are claimed first.
	Scope queue.Scope
	// Format is passed to the provider. Default: text.
	Format translate.Format
	// Backoff is the retry schedule for transient failures.
	Backoff Backoff
	// Classifier sorts provider results. Default: DefaultClassifier().
	Classifier *Classifier
}

func (c *ProcessorConfig) defaults() {
	if c.WorkerID == "" {
		c.WorkerID = NewWorkerID()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.Format == "" {
		c.Format = translate.FormatText
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier()
	}
	c.Backoff.defaults()
}

// NewWorkerID returns a lock owner id unique across hosts and processes.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// RunStats are the per-tick counters.
type RunStats struct {
	Released  int64 `json:"released"`
	Ignored   int   `json:"ignored"`
	Claimed   int   `json:"claimed"`
	Attempted int   `json:"attempted"`
	Succeeded int   `json:"succeeded"`
	Retryable int   `json:"retryable"`
	Permanent int   `json:"permanent"`
}

// Add accumulates o into s.
func (s *RunStats) Add(o RunStats) {
	s.Released += o.Released
	s.Ignored += o.Ignored
	s.Claimed += o.Claimed
	s.Attempted += o.Attempted
	s.Succeeded += o.Succeeded
	s.Retryable += o.Retryable
	s.Permanent += o.Permanent
}

// Idle reports whether the tick found nothing to do.
func (s RunStats) Idle() bool { return s.Claimed == 0 && s.Ignored == 0 }

// Fields returns the counters as log fields.
func (s RunStats) Fields() logrus.Fields {
	return logrus.Fields{
		"released":  s.Released,
		"ignored":   s.Ignored,
		"claimed":   s.Claimed,
		"attempted": s.Attempted,
		"succeeded": s.Succeeded,
		"retryable": s.Retryable,
		"permanent": s.Permanent,
	}
}

// JobProcessor drains the translation queue: it claims a batch, sends it to
// the provider and moves every job along its state machine
// (queued -> processing -> deleted | queued | failed | ignored).
type JobProcessor struct {
	queue      *queue.Queue
	catalog    *catalog.Store
	translator translate.Translator
	rules      *extract.Rules
	cfg        ProcessorConfig
	logger     *logrus.Logger
}

// NewJobProcessor creates a new job processor. rules may be nil.
func NewJobProcessor(q *queue.Queue, cat *catalog.Store, translator translate.Translator, rules *extract.Rules, cfg ProcessorConfig, logger *logrus.Logger) *JobProcessor {
	cfg.defaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &JobProcessor{
		queue:      q,
		catalog:    cat,
		translator: translator,
		rules:      rules,
		cfg:        cfg,
		logger:     logger,
	}
}

// WorkerID returns the lock owner id of this processor.
func (p *JobProcessor) WorkerID() string { return p.cfg.WorkerID }

// RunOnce performs one tick. An error means the batch could not be selected
// or locked; per-job failures never abort the tick and are only counted.
// It is safe to call repeatedly and from several processes at once.
func (p *JobProcessor) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats
	log := p.logger.WithField("worker", p.cfg.WorkerID)

	released, err := p.queue.ReleaseStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		log.WithError(err).Warn("Failed to release stale jobs")
	}
	stats.Released = released
	queueStaleReleasedTotal.Add(float64(released))

	candidates, err := p.queue.Candidates(ctx, p.cfg.BatchSize, p.cfg.StaleAfter, p.cfg.Scope)
	if err != nil {
		return stats, fmt.Errorf("select batch: %w", err)
	}

	ids := make([]int64, 0, len(candidates))
	for _, job := range candidates {
		if p.excluded(job) {
			ok, err := p.queue.MarkIgnored(ctx, job.ID, "excluded key")
			if err != nil {
				log.WithError(err).WithFields(job.Fields()).Error("Failed to mark job ignored")
				continue
			}
			if !ok {
				log.WithFields(job.Fields()).Debug("Excluded job was taken by another worker")
				continue
			}
			stats.Ignored++
			queueOutcomesTotal.WithLabelValues("ignored").Inc()
			log.WithFields(job.Fields()).Info("Job ignored, key is excluded")
			continue
		}
		ids = append(ids, job.ID)
	}

	jobs, err := p.queue.Lock(ctx, ids, p.cfg.WorkerID, p.cfg.StaleAfter)
	if err != nil {
		return stats, fmt.Errorf("lock batch: %w", err)
	}
	stats.Claimed = len(jobs)
	queueClaimedBatchSize.Observe(float64(len(jobs)))
	if len(jobs) == 0 {
		return stats, nil
	}

	for _, group := range p.groupByLanguage(ctx, jobs, &stats) {
		p.translateGroup(ctx, group, &stats)
	}

	log.WithFields(stats.Fields()).Info("Queue batch processed")
	return stats, nil
}

// excluded applies the exclusion rules of the job's resource scope to its
// key, including ancestor keys.
func (p *JobProcessor) excluded(job queue.Job) bool {
	if p.rules == nil || job.StringKey == "" {
		return false
	}
	m := p.rules.For(job.ResourceType, job.Subject, job.Variant)
	return m.MatchPrefix(tree.SplitPath(job.StringKey))
}

type langPair struct{ source, target string }

// groupByLanguage validates the locked jobs, resolves missing string ids and
// groups the survivors so that each language pair costs one provider call.
func (p *JobProcessor) groupByLanguage(ctx context.Context, jobs []queue.Job, stats *RunStats) [][]queue.Job {
	var order []langPair
	groups := make(map[langPair][]queue.Job)

	for _, job := range jobs {
		if job.TargetLang == "" || job.SourceText == "" {
			stats.Attempted++
			p.fail(ctx, job, job.Attempts+1, 0, "malformed queue row: missing target language or source text", stats)
			continue
		}
		if job.SourceStringID == 0 {
			id, err := p.resolveString(ctx, job)
			if err != nil {
				stats.Attempted++
				if errors.Is(err, catalog.ErrInvalidInput) {
					p.fail(ctx, job, job.Attempts+1, 0, err.Error(), stats)
				} else {
					p.retry(ctx, job, 0, err.Error(), stats)
				}
				continue
			}
			job.SourceStringID = id
		}
		key := langPair{source: job.SourceLang, target: job.TargetLang}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], job)
	}

	out := make([][]queue.Job, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

func (p *JobProcessor) resolveString(ctx context.Context, job queue.Job) (int64, error) {
	clientID, resourceID, err := p.catalog.Resolve(ctx, catalog.Scope{
		ClientCode:   job.ClientCode,
		ResourceType: job.ResourceType,
		Subject:      job.Subject,
		Variant:      job.Variant,
	})
	if err != nil {
		return 0, err
	}
	return p.catalog.EnsureString(ctx, clientID, resourceID, job.SourceText)
}

func (p *JobProcessor) translateGroup(ctx context.Context, jobs []queue.Job, stats *RunStats) {
	texts := make([]string, len(jobs))
	for i, job := range jobs {
		texts[i] = job.SourceText
	}
	source, target := jobs[0].SourceLang, jobs[0].TargetLang

	res := p.translator.Translate(ctx, texts, target, source, p.cfg.Format)
	stats.Attempted += len(jobs)

	for i, job := range jobs {
		translated := ""
		if i < len(res.Texts) {
			translated = res.Texts[i]
		}
		errText := res.ErrorText()
		if res.OK && translated == "" {
			errText = "empty translation"
		}

		switch p.cfg.Classifier.Classify(res.OK, res.HTTPCode, translated, errText) {
		case OutcomeSuccess:
			p.succeed(ctx, job, translated, stats)
		case OutcomeTransient:
			p.retry(ctx, job, res.HTTPCode, errText, stats)
		default:
			p.logger.WithFields(job.Fields()).WithFields(logrus.Fields{
				"http_code":    res.HTTPCode,
				"error_sample": sample(errText),
				"output_len":   res.ResponseLen,
			}).Warn("Permanent translation failure")
			p.fail(ctx, job, job.Attempts+1, res.HTTPCode, errText, stats)
		}
	}
}

func (p *JobProcessor) succeed(ctx context.Context, job queue.Job, translated string, stats *RunStats) {
	_, err := p.catalog.UpsertTranslation(ctx, catalog.Translation{
		StringID: job.SourceStringID,
		Language: job.TargetLang,
		Text:     translated,
		Status:   catalog.StatusMachine,
		Source:   p.translator.Name(),
	})
	if err != nil {
		p.logger.WithError(err).WithFields(job.Fields()).Error("Failed to store translation")
		p.retry(ctx, job, 0, err.Error(), stats)
		return
	}
	if err := p.queue.Delete(ctx, job.ID); err != nil {
		// The translation is stored; a leftover row is harmless and will be
		// re-translated at worst.
		p.logger.WithError(err).WithFields(job.Fields()).Error("Failed to delete finished job")
	}
	stats.Succeeded++
	queueOutcomesTotal.WithLabelValues("success").Inc()
}

// retry counts a failed attempt and either requeues with backoff or
// dead-letters the job when attempts are exhausted.
func (p *JobProcessor) retry(ctx context.Context, job queue.Job, httpCode int, errText string, stats *RunStats) {
	attempts := job.Attempts + 1
	if p.cfg.Backoff.Exhausted(attempts) {
		p.logger.WithFields(job.Fields()).WithFields(logrus.Fields{
			"http_code":    httpCode,
			"error_sample": sample(errText),
		}).Warn("Transient failures exhausted attempts, dead-lettering job")
		p.fail(ctx, job, attempts, httpCode, errText, stats)
		return
	}

	delay := p.cfg.Backoff.Delay(attempts)
	err := p.queue.Requeue(ctx, job.ID, delay, queue.Failure{Attempts: attempts, Error: errText, HTTPCode: httpCode})
	if err != nil {
		p.logger.WithError(err).WithFields(job.Fields()).Error("Failed to requeue job")
		return
	}
	stats.Retryable++
	queueOutcomesTotal.WithLabelValues("retry").Inc()
	p.logger.WithFields(job.Fields()).WithFields(logrus.Fields{
		"http_code":    httpCode,
		"error_sample": sample(errText),
		"delay":        delay.String(),
	}).Info("Transient translation failure, job requeued")
}

func (p *JobProcessor) fail(ctx context.Context, job queue.Job, attempts, httpCode int, errText string, stats *RunStats) {
	err := p.queue.MarkFailed(ctx, job.ID, queue.Failure{Attempts: attempts, Error: errText, HTTPCode: httpCode})
	if err != nil {
		p.logger.WithError(err).WithFields(job.Fields()).Error("Failed to dead-letter job")
		return
	}
	stats.Permanent++
	queueOutcomesTotal.WithLabelValues("failed").Inc()
}

// sample shortens error text for logs.
func sample(s string) string {
	const n = 200
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
