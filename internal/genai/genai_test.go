package genai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanImagePrompt(t *testing.T) {
	assert.Equal(t, "", CleanImagePrompt("   "))
	assert.Equal(t, "a cat"+qualitySuffix, CleanImagePrompt("  a cat "))

	long := "a detailed watercolor painting of a lighthouse"
	assert.Equal(t, long, CleanImagePrompt(long))

	huge := strings.Repeat("word ", 300)
	got := CleanImagePrompt(huge)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), maxImagePrompt)
	assert.False(t, strings.HasSuffix(got, " "))
	assert.True(t, strings.HasSuffix(got, "word"))
}

func newOpenAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "system", req.Messages[0].Role)
		last := req.Messages[len(req.Messages)-1]
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   req.Model,
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]string{"role": "assistant", "content": "echo: " + last.Content}}},
		})
	})
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dall-e-3", req["model"])
		assert.Equal(t, "vivid", req["style"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": time.Now().Unix(),
			"data":    []map[string]string{{"url": "https://images.example/cat.png"}},
		})
	})
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"draw me a fox"}`))
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte("OggS-audio"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIService(t *testing.T) {
	srv := newOpenAIServer(t)
	svc, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	reply, err := svc.GenerateText(ctx, []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}, {Role: RoleUser, Content: "how are you"}})
	require.NoError(t, err)
	assert.Equal(t, "echo: how are you", reply)

	img, err := svc.GenerateImage(ctx, "a cat")
	require.NoError(t, err)
	assert.Equal(t, "https://images.example/cat.png", img.URL)

	_, err = svc.GenerateImage(ctx, " ")
	assert.Error(t, err)

	text, err := svc.TranscribeAudio(ctx, strings.NewReader("fake-ogg"), "")
	require.NoError(t, err)
	assert.Equal(t, "draw me a fox", text)

	audio, err := svc.SynthesizeSpeech(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("OggS-audio"), audio)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{}, quietLogger())
	assert.Error(t, err)
}

func TestKIEPollsUntilSuccess(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/createTask", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req struct {
			Model string         `json:"model"`
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nano-banana-pro", req.Model)
		assert.Equal(t, "a fox"+qualitySuffix, req.Input["prompt"])
		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"t-1"}}`))
	})
	mux.HandleFunc("/api/v1/jobs/recordInfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "t-1", r.URL.Query().Get("taskId"))
		if polls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"code":200,"data":{"state":"generating"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":{"state":"success","resultJson":"{\"resultUrls\":[\"https://cdn.example/fox.png\"]}"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	k, err := NewKIE(KIEConfig{APIKey: "key", BaseURL: srv.URL + "/", PollInterval: time.Millisecond}, quietLogger())
	require.NoError(t, err)

	img, err := k.GenerateImage(context.Background(), "a fox")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/fox.png", img.URL)
	assert.Equal(t, int32(3), polls.Load())
}

func TestKIEFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/createTask", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"t-2"}}`))
	})
	mux.HandleFunc("/api/v1/jobs/recordInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"state":"fail","failCode":"422","failMsg":"nsfw"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	k, err := NewKIE(KIEConfig{APIKey: "key", BaseURL: srv.URL, PollInterval: time.Millisecond}, quietLogger())
	require.NoError(t, err)
	_, err = k.GenerateImage(context.Background(), "a fox")
	assert.ErrorContains(t, err, "task failed: nsfw")

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	k, err = NewKIE(KIEConfig{APIKey: "key", BaseURL: down.URL}, quietLogger())
	require.NoError(t, err)
	_, err = k.GenerateImage(context.Background(), "a fox")
	assert.ErrorContains(t, err, "status=502")

	_, err = NewKIE(KIEConfig{}, quietLogger())
	assert.Error(t, err)
}

type stubImages struct{ url string }

func (s stubImages) GenerateImage(context.Context, string) (*Image, error) {
	return &Image{URL: s.url}, nil
}

type stubService struct{ stubImages }

func (stubService) GenerateText(context.Context, []Message) (string, error) { return "hi", nil }
func (stubService) TranscribeAudio(context.Context, io.Reader, string) (string, error) {
	return "", nil
}
func (stubService) SynthesizeSpeech(context.Context, string) ([]byte, error) { return nil, nil }

func TestWithImageBackend(t *testing.T) {
	base := stubService{stubImages{url: "https://base/img.png"}}
	assert.Equal(t, Service(base), WithImageBackend(base, nil))

	svc := WithImageBackend(base, stubImages{url: "https://kie/img.png"})
	img, err := svc.GenerateImage(context.Background(), "a cat")
	require.NoError(t, err)
	assert.Equal(t, "https://kie/img.png", img.URL)

	reply, err := svc.GenerateText(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", reply)
}
