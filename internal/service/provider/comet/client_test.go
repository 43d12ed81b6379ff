package comet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(
		&config.CometConfig{BaseURL: srv.URL, APIKey: "chat-key", AnalysisModel: "fast", BriefModel: "creative", Timeout: "5s"},
		&config.MediaConfig{BaseURL: srv.URL + "/", APIKey: "media-key", ImageSize: "1024x1024", ImageTimeout: "5s", MusicTimeout: "5s"},
		zap.NewNop(),
	)
	client.backoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return client
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestAnalyzeText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer chat-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fast", req.Model)
		assert.Equal(t, 0.7, req.Temperature)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "Topic: AI Agents")

		writeJSON(w, map[string]any{"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "Executive Summary: ..."}}}})
	})

	summary, err := client.AnalyzeText(context.Background(), "AI Agents", []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, "Executive Summary: ...", summary)
}

func TestGenerateBrief_StripsFence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "```json\n{\"storyboard\":[]}\n```"}}}})
	})

	raw, err := client.GenerateBrief(context.Background(), "Topic: x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"storyboard":[]}`, string(raw))
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}}})
	})

	out, err := client.AnalyzeText(context.Background(), "t", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestComplete_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := client.AnalyzeText(context.Background(), "t", []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerateImage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer media-key", r.Header.Get("Authorization"))

		var req imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SeeDream4K", req.Model)
		assert.Equal(t, 1, req.N)
		assert.Equal(t, "url", req.ResponseFormat)

		writeJSON(w, map[string]any{"data": []map[string]any{{"url": "https://cdn/img.png"}}})
	})

	img, err := client.GenerateImage(context.Background(), "a city at dusk", "SeeDream4K")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/img.png", img.URL)
	assert.Equal(t, "a city at dusk", img.RevisedPrompt)
}

func TestGenerateImage_EmptyData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []any{}})
	})

	_, err := client.GenerateImage(context.Background(), "p", "m")
	assert.Error(t, err)
}

func TestGenerateMusic_ResponseShapes(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		handle   string
		audioURL string
	}{
		{"clip list", `[{"id":"c1","status":"submitted"}]`, "c1", ""},
		{"clips object", `{"clips":[{"id":"c2","status":"queued"}]}`, "c2", ""},
		{"id object", `{"id":"c3"}`, "c3", ""},
		{"synchronous", `[{"id":"c4","status":"complete","audio_url":"https://cdn/a.mp3"}]`, "c4", "https://cdn/a.mp3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/audio/suno", r.URL.Path)
				var req sunoRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "Cinematic documentary", req.Prompt)
				assert.True(t, req.MakeInstrumental)
				assert.False(t, req.WaitForModel)

				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			})

			task, err := client.GenerateMusic(context.Background(), "documentary", "Cinematic")
			require.NoError(t, err)
			assert.Equal(t, tc.handle, task.Handle)
			assert.Equal(t, tc.audioURL, task.AudioURL)
		})
	}
}

func TestPollMusic_States(t *testing.T) {
	cases := []struct {
		body  string
		state provider.MusicState
	}{
		{`[{"id":"c1","status":"streaming"}]`, provider.MusicPending},
		{`[{"id":"c1","status":"complete","audio_url":"https://cdn/a.mp3","title":"Song","metadata":{"duration":93.5}}]`, provider.MusicComplete},
		{`[{"id":"c1","status":"error","metadata":{"error_message":"moderation"}}]`, provider.MusicError},
		{`[]`, provider.MusicPending},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/audio/suno/feed", r.URL.Path)
			assert.Equal(t, "c1", r.URL.Query().Get("ids"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(tc.body))
		})

		status, err := client.PollMusic(context.Background(), "c1")
		require.NoError(t, err)
		assert.Equal(t, tc.state, status.State, tc.body)
		if tc.state == provider.MusicComplete {
			assert.Equal(t, "https://cdn/a.mp3", status.AudioURL)
			assert.Equal(t, 93.5, status.DurationSeconds)
		}
		if tc.state == provider.MusicError {
			assert.Equal(t, "moderation", status.Error)
		}
	}
}
