package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchOptions bounds how a batched engine splits and retries its calls.
type BatchOptions struct {
	// MaxItems is the most texts sent in one HTTP call. Default: 100.
	MaxItems int
	// MaxChars is the most characters sent in one HTTP call. A single text
	// longer than this is sent alone. Default: 5000.
	MaxChars int
	// MaxRetries is the number of extra attempts per chunk on 429, 5xx and
	// transport errors. Default: 3; negative disables retries.
	MaxRetries int
	// BaseDelay is the first retry delay; it doubles per attempt. Default: 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the retry delay before jitter. Default: 8s.
	MaxDelay time.Duration
	// Timeout is the total HTTP client timeout per call. Default: 30s.
	Timeout time.Duration
}

func (o *BatchOptions) defaults() {
	if o.MaxItems <= 0 {
		o.MaxItems = 100
	}
	if o.MaxChars <= 0 {
		o.MaxChars = 5000
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 8 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
}

// sendFunc performs one HTTP call for a chunk and returns the translated
// texts, the status code (0 when no response arrived) and the body size.
type sendFunc func(ctx context.Context, chunk []string) (texts []string, status, bodyLen int, err error)

// batcher is the dedupe, chunk, retry and reassemble engine shared by the
// HTTP engines.
type batcher struct {
	engine string
	opts   BatchOptions
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newBatcher(engine string, opts BatchOptions, logger *logrus.Logger) *batcher {
	opts.defaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &batcher{engine: engine, opts: opts, logger: logger, sleep: sleepCtx}
}

// dedupe returns the distinct texts and, for every input index, the index of
// its distinct text.
func dedupe(texts []string) (unique []string, index []int) {
	seen := make(map[string]int, len(texts))
	index = make([]int, len(texts))
	for i, t := range texts {
		u, ok := seen[t]
		if !ok {
			u = len(unique)
			seen[t] = u
			unique = append(unique, t)
		}
		index[i] = u
	}
	return unique, index
}

// chunk splits texts into [start, end) ranges that respect both limits.
func chunk(texts []string, maxItems, maxChars int) [][2]int {
	var out [][2]int
	start, chars := 0, 0
	for i, t := range texts {
		n := len([]rune(t))
		if i > start && (i-start >= maxItems || chars+n > maxChars) {
			out = append(out, [2]int{start, i})
			start, chars = i, 0
		}
		chars += n
	}
	if start < len(texts) {
		out = append(out, [2]int{start, len(texts)})
	}
	return out
}

func retryable(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if status == 0 {
		return err != nil
	}
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff returns the delay before retry number attempt (0-based) with up to
// 50% jitter added.
func (b *batcher) backoff(attempt int) time.Duration {
	d := b.opts.BaseDelay << attempt
	if d <= 0 || d > b.opts.MaxDelay {
		d = b.opts.MaxDelay
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

func (b *batcher) run(ctx context.Context, texts []string, target string, send sendFunc) Result {
	res := Result{Texts: make([]string, len(texts))}
	if len(texts) == 0 {
		res.OK = true
		res.HTTPCode = http.StatusOK
		return res
	}

	unique, index := dedupe(texts)
	translated := make([]string, len(unique))

	for _, r := range chunk(unique, b.opts.MaxItems, b.opts.MaxChars) {
		part := unique[r[0]:r[1]]
		out, status, err := b.sendChunk(ctx, part, target, send, &res.ResponseLen)
		res.HTTPCode = status
		if err != nil {
			res.Err = err
			return res
		}
		if len(out) < len(part) {
			b.logger.WithFields(logrus.Fields{
				"engine":   b.engine,
				"sent":     len(part),
				"received": len(out),
			}).Warn("Provider returned fewer translations than requested, padding")
		}
		for i := range part {
			if i < len(out) {
				translated[r[0]+i] = out[i]
			}
		}
	}

	for i, u := range index {
		res.Texts[i] = translated[u]
	}
	res.OK = true
	return res
}

func (b *batcher) sendChunk(ctx context.Context, part []string, target string, send sendFunc, respLen *int) ([]string, int, error) {
	reqSize := 0
	for _, t := range part {
		reqSize += len(t)
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		out, status, n, err := send(ctx, part)
		*respLen += n
		ok := err == nil && status >= 200 && status < 300
		recordRequest(b.engine, ok, time.Since(start), reqSize, n)
		if ok {
			return out, status, nil
		}
		if err == nil {
			err = fmt.Errorf("unexpected status %d", status)
		}

		if attempt >= b.opts.MaxRetries || !retryable(ctx, status, err) {
			return nil, status, err
		}

		wait := b.backoff(attempt)
		b.logger.WithError(err).WithFields(logrus.Fields{
			"engine":      b.engine,
			"target_lang": target,
			"http_code":   status,
			"attempt":     attempt + 1,
			"wait_ms":     wait.Milliseconds(),
		}).Warn("Translation request failed, retrying")
		recordRetry(b.engine, status)

		if serr := b.sleep(ctx, wait); serr != nil {
			return nil, status, fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
	}
}

// postJSON sends payload and decodes a 200 response into out. Any other
// status, or a body that does not decode, is an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload, out any) (status, bodyLen int, err error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return 0, 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, len(body), fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, len(body), fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, len(body), fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, len(body), nil
}

// getOK issues a GET and requires a 200 response.
func getOK(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
