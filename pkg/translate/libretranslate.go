package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultLibreTranslateURL is the default base URL for LibreTranslate API.
const DefaultLibreTranslateURL = "http://localhost:5000"

// LibreTranslateClient implements the Translator interface using LibreTranslate.
// LibreTranslate is a self-hosted, open-source machine translation API that
// accepts an array for q and answers with an array of translatedText.
type LibreTranslateClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	batch      *batcher
	logger     *logrus.Logger
}

// NewLibreTranslateClient creates a new LibreTranslate client.
// baseURL should point to the LibreTranslate server (default: http://localhost:5000).
func NewLibreTranslateClient(baseURL, apiKey string, opts BatchOptions, logger *logrus.Logger) *LibreTranslateClient {
	if baseURL == "" {
		baseURL = DefaultLibreTranslateURL
	}
	if logger == nil {
		logger = logrus.New()
	}
	b := newBatcher(string(EngineLibreTranslate), opts, logger)
	return &LibreTranslateClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: b.opts.Timeout},
		batch:      b,
		logger:     logger,
	}
}

// libreRequest represents a LibreTranslate API request.
type libreRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source"` // e.g., "en"
	Target string   `json:"target"` // e.g., "fr"
	Format string   `json:"format"` // "text" or "html"
	APIKey string   `json:"api_key,omitempty"`
}

// libreResponse represents a LibreTranslate API response. translatedText is
// an array when q was an array.
type libreResponse struct {
	TranslatedText json.RawMessage `json:"translatedText"`
}

func (r libreResponse) texts() ([]string, error) {
	if len(r.TranslatedText) == 0 {
		return nil, fmt.Errorf("decode response: missing translatedText")
	}
	var many []string
	if err := json.Unmarshal(r.TranslatedText, &many); err == nil {
		return many, nil
	}
	var one string
	if err := json.Unmarshal(r.TranslatedText, &one); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return []string{one}, nil
}

// Name implements Translator.
func (c *LibreTranslateClient) Name() string { return string(EngineLibreTranslate) }

// Translate implements Translator. LibreTranslate wants bare ISO 639-1
// codes, so region subtags are dropped.
func (c *LibreTranslateClient) Translate(ctx context.Context, texts []string, targetLang, sourceLang string, format Format) Result {
	if format == "" {
		format = FormatText
	}
	lm := LanguageMapper{}
	source := lm.ToBackendCode(sourceLang)
	if source == "" {
		source = "auto"
	}
	target := lm.ToBackendCode(targetLang)

	c.logger.WithFields(logrus.Fields{
		"source_lang": source,
		"target_lang": target,
		"texts":       len(texts),
	}).Debug("Translating batch with LibreTranslate")

	return c.batch.run(ctx, texts, target, func(ctx context.Context, chunk []string) ([]string, int, int, error) {
		payload := libreRequest{
			Q:      chunk,
			Source: source,
			Target: target,
			Format: string(format),
			APIKey: c.apiKey,
		}
		var resp libreResponse
		status, n, err := postJSON(ctx, c.httpClient, c.baseURL+"/translate", &payload, &resp)
		if err != nil {
			return nil, status, n, err
		}
		out, err := resp.texts()
		return out, status, n, err
	})
}

// CheckHealth verifies that LibreTranslate is ready and operational.
// The /languages endpoint is used as a health check.
func (c *LibreTranslateClient) CheckHealth(ctx context.Context) error {
	c.logger.Debug("Checking LibreTranslate health")
	if err := getOK(ctx, c.httpClient, c.baseURL+"/languages"); err != nil {
		c.logger.WithError(err).WithField("url", c.baseURL).Error("LibreTranslate health check failed")
		return err
	}
	return nil
}
