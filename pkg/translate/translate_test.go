package translate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastBatch() BatchOptions {
	return BatchOptions{MaxItems: 2, MaxChars: 100, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// googleServer answers like Cloud Translation v2, upper-casing each text.
func googleServer(t *testing.T, handle func(w http.ResponseWriter, req googleRequest) bool) (*httptest.Server, *[]googleRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []googleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req googleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		if handle != nil && handle(w, req) {
			return
		}
		type tr struct {
			TranslatedText string `json:"translatedText"`
		}
		out := make([]tr, len(req.Q))
		for i, q := range req.Q {
			out[i] = tr{TranslatedText: strings.ToUpper(q)}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"translations": out}})
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestGoogleDedupesChunksAndReassembles(t *testing.T) {
	srv, seen := googleServer(t, nil)
	c := NewGoogleClient(srv.URL, "k", "nmt", fastBatch(), quietLogger())

	res := c.Translate(context.Background(), []string{"a", "b", "a", "c", "b"}, "fr", "en", FormatText)
	require.True(t, res.OK, res.ErrorText())
	assert.Equal(t, []string{"A", "B", "A", "C", "B"}, res.Texts)
	assert.Equal(t, 200, res.HTTPCode)
	assert.Positive(t, res.ResponseLen)

	require.Len(t, *seen, 2)
	assert.Equal(t, []string{"a", "b"}, (*seen)[0].Q)
	assert.Equal(t, []string{"c"}, (*seen)[1].Q)
	assert.Equal(t, "fr", (*seen)[0].Target)
	assert.Equal(t, "en", (*seen)[0].Source)
	assert.Equal(t, "text", (*seen)[0].Format)
	assert.Equal(t, "nmt", (*seen)[0].Model)
}

func TestGoogleRetriesOn429And5xx(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv, _ := googleServer(t, func(w http.ResponseWriter, req googleRequest) bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch calls {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
			return true
		case 2:
			w.WriteHeader(http.StatusBadGateway)
			return true
		}
		return false
	})
	c := NewGoogleClient(srv.URL, "", "", fastBatch(), quietLogger())

	res := c.Translate(context.Background(), []string{"hi"}, "fr", "en", FormatText)
	require.True(t, res.OK, res.ErrorText())
	assert.Equal(t, []string{"HI"}, res.Texts)
	assert.Equal(t, 3, calls)
}

func TestGoogleGivesUpAfterRetries(t *testing.T) {
	srv, seen := googleServer(t, func(w http.ResponseWriter, req googleRequest) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	})
	c := NewGoogleClient(srv.URL, "", "", fastBatch(), quietLogger())

	res := c.Translate(context.Background(), []string{"hi"}, "fr", "en", FormatText)
	assert.False(t, res.OK)
	assert.Equal(t, 503, res.HTTPCode)
	assert.Error(t, res.Err)
	assert.Len(t, res.Texts, 1)
	assert.Len(t, *seen, 3)
}

func TestGoogleDoesNotRetryClientErrors(t *testing.T) {
	srv, seen := googleServer(t, func(w http.ResponseWriter, req googleRequest) bool {
		http.Error(w, `{"error":{"message":"Invalid Value"}}`, http.StatusBadRequest)
		return true
	})
	c := NewGoogleClient(srv.URL, "", "", fastBatch(), quietLogger())

	res := c.Translate(context.Background(), []string{"hi"}, "xx", "en", FormatText)
	assert.False(t, res.OK)
	assert.Equal(t, 400, res.HTTPCode)
	assert.Contains(t, res.ErrorText(), "Invalid Value")
	assert.Len(t, *seen, 1)
}

func TestGoogleMalformedBodyIsFailure(t *testing.T) {
	srv, _ := googleServer(t, func(w http.ResponseWriter, req googleRequest) bool {
		io.WriteString(w, `{"unexpected":true}`)
		return true
	})
	c := NewGoogleClient(srv.URL, "", "", fastBatch(), quietLogger())

	res := c.Translate(context.Background(), []string{"hi"}, "fr", "en", FormatText)
	assert.False(t, res.OK)
	assert.Equal(t, 200, res.HTTPCode)
	assert.Error(t, res.Err)
}

func TestGooglePadsShortResponses(t *testing.T) {
	srv, _ := googleServer(t, func(w http.ResponseWriter, req googleRequest) bool {
		io.WriteString(w, `{"data":{"translations":[{"translatedText":"UN"}]}}`)
		return true
	})
	c := NewGoogleClient(srv.URL, "", "", fastBatch(), quietLogger())

	res := c.Translate(context.Background(), []string{"one", "two"}, "fr", "en", FormatText)
	require.True(t, res.OK)
	assert.Equal(t, []string{"UN", ""}, res.Texts)
}

func TestNetworkErrorReportsCodeZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	opts := fastBatch()
	opts.MaxRetries = -1
	c := NewGoogleClient(url, "", "", opts, quietLogger())
	res := c.Translate(context.Background(), []string{"hi"}, "fr", "en", FormatText)
	assert.False(t, res.OK)
	assert.Equal(t, 0, res.HTTPCode)
	assert.Error(t, res.Err)
}

func TestLibreTranslateBatch(t *testing.T) {
	var got libreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/translate":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			out := make([]string, len(got.Q))
			for i, q := range got.Q {
				out[i] = "fr:" + q
			}
			json.NewEncoder(w).Encode(map[string]any{"translatedText": out})
		case "/languages":
			io.WriteString(w, `[{"code":"fr","name":"French"}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewLibreTranslateClient(srv.URL, "", BatchOptions{}, quietLogger())
	res := c.Translate(context.Background(), []string{"Hello", "World"}, "fr-CA", "en", FormatHTML)
	require.True(t, res.OK, res.ErrorText())
	assert.Equal(t, []string{"fr:Hello", "fr:World"}, res.Texts)
	assert.Equal(t, "fr", got.Target)
	assert.Equal(t, "html", got.Format)
	require.NoError(t, c.CheckHealth(context.Background()))
}

func TestLibreResponseSingleString(t *testing.T) {
	texts, err := libreResponse{TranslatedText: json.RawMessage(`"Bonjour"`)}.texts()
	require.NoError(t, err)
	assert.Equal(t, []string{"Bonjour"}, texts)

	_, err = libreResponse{}.texts()
	assert.Error(t, err)
}

func TestNullTranslator(t *testing.T) {
	res := NewNullTranslator(false).Translate(context.Background(), []string{"Hello"}, "fr", "en", FormatText)
	require.True(t, res.OK)
	assert.Equal(t, []string{"Hello"}, res.Texts)

	res = NewNullTranslator(true).Translate(context.Background(), []string{"Hello"}, "fr", "en", FormatText)
	require.True(t, res.OK)
	assert.Equal(t, []string{"[fr] Hello"}, res.Texts)
	assert.Equal(t, 200, res.HTTPCode)
}

func TestChunkRespectsBothLimits(t *testing.T) {
	texts := []string{"aaaa", "bb", "cccccccccc", "d", "e", "f"}
	assert.Equal(t, [][2]int{{0, 2}, {2, 3}, {3, 6}}, chunk(texts, 3, 6))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 5}, {5, 6}}, chunk(texts, 1, 100))
	assert.Nil(t, chunk(nil, 3, 6))
}

func TestLanguageMapper(t *testing.T) {
	lm := NewLanguageMapper(map[string]string{"ZZZ00": "zu"})

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"frn00", "fr", true},
		{"FRN00", "fr", true},
		{"cht00", "zh-TW", true},
		{"zzz00", "zu", true},
		{"abc00", "", false},
		{"fr-CA", "fr", true},
		{"en_US", "en", true},
		{"zh-tw", "zh-TW", true},
		{"zh", "zh-CN", true},
		{"", "", false},
		{"not a language!!", "", false},
		{"12", "", false},
		{"und", "", false},
		{"pt-BR", "pt", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := lm.ToGoogle(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "en", lm.ToBackendCode("en-US"))
}

func TestPolicyChoose(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   EngineType
	}{
		{"default is null", Policy{}, EngineNull},
		{"disabled switch", Policy{Env: "production", Provider: "google"}, EngineNull},
		{"production needs only the switch", Policy{Env: "production", AutoMTEnabled: true, Provider: "google"}, EngineGoogle},
		{"dev without allow list", Policy{Env: "development", AutoMTEnabled: true, Provider: "google"}, EngineNull},
		{"dev with allow list", Policy{Env: "development", AutoMTEnabled: true, Provider: "Google", AllowList: []string{"google"}}, EngineGoogle},
		{"explicit null", Policy{Env: "production", AutoMTEnabled: true, Provider: "null"}, EngineNull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := tt.policy.Choose()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, _, err := Policy{Provider: "babelfish"}.Choose()
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestSelectBuildsChosenEngine(t *testing.T) {
	tr, err := Select(Policy{Env: "development"}, Config{NullPrefix: true, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, "null", tr.Name())

	tr, err = Select(Policy{Env: "production", AutoMTEnabled: true, Provider: "libretranslate"}, Config{Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, "libretranslate", tr.Name())

	_, err = NewTranslator(Config{Engine: "argos", Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}
