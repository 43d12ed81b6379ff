package youtube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ifuryst/moviefactory/internal/config"
)

func TestParseISODuration(t *testing.T) {
	cases := map[string]int{
		"PT1H2M3S": 3723,
		"PT45S":    45,
		"PT10M":    600,
		"P1DT1S":   86401,
		"":         0,
		"garbage":  0,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseISODuration(input), input)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(),
		&config.YouTubeConfig{MaxResults: 5, Timeout: "5s"},
		zap.NewNop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return client
}

func TestSearchVideos_EnrichesMetadata(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/search"):
			assert.Equal(t, "AI Agents", r.URL.Query().Get("q"))
			assert.Equal(t, "video", r.URL.Query().Get("type"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{
						"id": map[string]any{"videoId": "v1"},
						"snippet": map[string]any{
							"title":        "First",
							"description":  "desc",
							"publishedAt":  "2024-01-02T03:04:05Z",
							"channelTitle": "Chan",
							"thumbnails":   map[string]any{"high": map[string]any{"url": "https://img/v1.jpg"}},
						},
					},
					{
						"id":      map[string]any{"videoId": "v2"},
						"snippet": map[string]any{"title": "Second"},
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/videos"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{
						"id":             "v1",
						"statistics":     map[string]any{"viewCount": "1234"},
						"contentDetails": map[string]any{"duration": "PT2M5S"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	videos, err := client.SearchVideos(context.Background(), "AI Agents")
	require.NoError(t, err)
	require.Len(t, videos, 2)

	assert.Equal(t, "v1", videos[0].ExternalID)
	assert.Equal(t, "Chan", videos[0].Channel)
	assert.Equal(t, int64(1234), videos[0].Views)
	assert.Equal(t, 125, videos[0].DurationSeconds)
	assert.Equal(t, "https://img/v1.jpg", videos[0].ThumbnailURL)
	require.NotNil(t, videos[0].PublishedAt)
	assert.Equal(t, 2024, videos[0].PublishedAt.Year())

	assert.Equal(t, "v2", videos[1].ExternalID)
	assert.Zero(t, videos[1].Views)
	assert.Nil(t, videos[1].PublishedAt)
}

func TestSearchVideos_MetadataFailureIsBestEffort(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/videos") {
			http.Error(w, `{"error":{"code":500,"message":"boom"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":{"videoId":"v1"},"snippet":{"title":"Only"}}]}`))
	})

	videos, err := client.SearchVideos(context.Background(), "topic")
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "Only", videos[0].Title)
}

func TestSearchVideos_SearchError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"quota exceeded"}}`, http.StatusForbidden)
	})

	_, err := client.SearchVideos(context.Background(), "topic")
	assert.Error(t, err)
}
