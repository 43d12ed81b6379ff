package youtube

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

// Client searches YouTube through the Data API v3.
type Client struct {
	service    *yt.Service
	maxResults int64
	timeout    time.Duration
	logger     *zap.Logger
}

func NewClient(ctx context.Context, cfg *config.YouTubeConfig, logger *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	if cfg.APIKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	}

	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube service: %w", err)
	}

	return &Client{
		service:    svc,
		maxResults: cfg.MaxResults,
		timeout:    config.ParseDuration(cfg.Timeout, 30*time.Second),
		logger:     logger,
	}, nil
}

var _ provider.VideoSearcher = (*Client)(nil)

func (c *Client) SearchVideos(ctx context.Context, topic string) ([]provider.Video, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.service.Search.List([]string{"id", "snippet"}).
		Q(topic).
		Type("video").
		Order("relevance").
		MaxResults(c.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to search videos: %w", err)
	}

	videos := make([]provider.Video, 0, len(resp.Items))
	ids := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}

		video := provider.Video{
			ExternalID:  item.Id.VideoId,
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
			Channel:     item.Snippet.ChannelTitle,
			PublishedAt: parseTime(item.Snippet.PublishedAt),
		}
		if thumbs := item.Snippet.Thumbnails; thumbs != nil {
			switch {
			case thumbs.High != nil:
				video.ThumbnailURL = thumbs.High.Url
			case thumbs.Default != nil:
				video.ThumbnailURL = thumbs.Default.Url
			}
		}

		videos = append(videos, video)
		ids = append(ids, video.ExternalID)
	}

	if len(ids) > 0 {
		c.enrich(ctx, videos, ids)
	}

	return videos, nil
}

// enrich fills statistics and duration from Videos.List. Failures are logged
// and leave the search results untouched.
func (c *Client) enrich(ctx context.Context, videos []provider.Video, ids []string) {
	resp, err := c.service.Videos.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		c.logger.Warn("Failed to fetch video metadata", zap.Strings("video_ids", ids), zap.Error(err))
		return
	}

	byID := make(map[string]*yt.Video, len(resp.Items))
	for _, item := range resp.Items {
		byID[item.Id] = item
	}

	for i := range videos {
		item, ok := byID[videos[i].ExternalID]
		if !ok {
			continue
		}
		if item.Statistics != nil {
			videos[i].Views = int64(item.Statistics.ViewCount)
		}
		if item.ContentDetails != nil {
			videos[i].DurationSeconds = ParseISODuration(item.ContentDetails.Duration)
		}
		if item.Snippet != nil && videos[i].Channel == "" {
			videos[i].Channel = item.Snippet.ChannelTitle
		}
	}
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration converts an ISO-8601 duration such as PT1H2M3S to seconds.
// Unparseable input yields 0.
func ParseISODuration(value string) int {
	m := isoDuration.FindStringSubmatch(value)
	if m == nil {
		return 0
	}

	units := []int{86400, 3600, 60, 1}
	total := 0
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0
		}
		total += n * unit
	}
	return total
}

func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}
