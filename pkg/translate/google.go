package translate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultGoogleURL is the Cloud Translation v2 endpoint.
const DefaultGoogleURL = "https://translation.googleapis.com/language/translate/v2"

// GoogleClient implements the Translator interface using Google Cloud
// Translation v2 with batched requests.
type GoogleClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	batch      *batcher
	logger     *logrus.Logger
}

// NewGoogleClient creates a Google client. endpoint defaults to
// DefaultGoogleURL; model may be empty ("nmt" is the provider default).
func NewGoogleClient(endpoint, apiKey, model string, opts BatchOptions, logger *logrus.Logger) *GoogleClient {
	if endpoint == "" {
		endpoint = DefaultGoogleURL
	}
	if logger == nil {
		logger = logrus.New()
	}
	b := newBatcher(string(EngineGoogle), opts, logger)
	return &GoogleClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: b.opts.Timeout},
		batch:      b,
		logger:     logger,
	}
}

type googleRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source,omitempty"`
	Target string   `json:"target"`
	Format string   `json:"format"`
	Model  string   `json:"model,omitempty"`
}

type googleResponse struct {
	Data *struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

// Name implements Translator.
func (c *GoogleClient) Name() string { return string(EngineGoogle) }

func (c *GoogleClient) withKey(u string) string {
	if c.apiKey == "" {
		return u
	}
	return u + "?key=" + url.QueryEscape(c.apiKey)
}

// Translate implements Translator.
func (c *GoogleClient) Translate(ctx context.Context, texts []string, targetLang, sourceLang string, format Format) Result {
	if format == "" {
		format = FormatText
	}
	c.logger.WithFields(logrus.Fields{
		"source_lang": sourceLang,
		"target_lang": targetLang,
		"texts":       len(texts),
	}).Debug("Translating batch with Google")

	return c.batch.run(ctx, texts, targetLang, func(ctx context.Context, chunk []string) ([]string, int, int, error) {
		payload := googleRequest{
			Q:      chunk,
			Source: sourceLang,
			Target: targetLang,
			Format: string(format),
			Model:  c.model,
		}
		var resp googleResponse
		status, n, err := postJSON(ctx, c.httpClient, c.withKey(c.endpoint), &payload, &resp)
		if err != nil {
			return nil, status, n, err
		}
		if resp.Data == nil {
			return nil, status, n, fmt.Errorf("decode response: missing data.translations")
		}
		out := make([]string, len(resp.Data.Translations))
		for i, t := range resp.Data.Translations {
			out[i] = t.TranslatedText
		}
		return out, status, n, nil
	})
}

// CheckHealth lists the supported languages as a liveness probe.
func (c *GoogleClient) CheckHealth(ctx context.Context) error {
	if err := getOK(ctx, c.httpClient, c.withKey(c.endpoint+"/languages")); err != nil {
		c.logger.WithError(err).Error("Google health check failed")
		return err
	}
	return nil
}
