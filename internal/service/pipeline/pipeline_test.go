package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/assets"
	"github.com/ifuryst/moviefactory/internal/service/dispatch"
	"github.com/ifuryst/moviefactory/internal/service/provider"
	"github.com/ifuryst/moviefactory/internal/testutil"
)

// fakeProviders implements every capability with scripted responses.
type fakeProviders struct {
	mu sync.Mutex

	videos      []provider.Video
	searchErr   error
	searchPanic bool
	searches    int

	transcripts map[string]string

	summary       string
	analyzeErr    error
	analyzed      [][]string
	onAnalyze     func()
	briefRaw      string
	briefErr      error
	briefContexts []string

	imageErrs   map[string]error
	imagePanics map[string]bool
	imageURL    func(prompt string) string
	images      []string

	music       *provider.MusicTask
	musicErr    error
	musicCalls  []string
	pollResults []provider.MusicStatus
	polls       int
}

func (f *fakeProviders) SearchVideos(_ context.Context, _ string) ([]provider.Video, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if f.searchPanic {
		panic("search exploded")
	}
	return f.videos, f.searchErr
}

func (f *fakeProviders) GetTranscript(_ context.Context, externalID string) (string, error) {
	text, ok := f.transcripts[externalID]
	if !ok {
		return "", errors.New("no captions")
	}
	return text, nil
}

func (f *fakeProviders) AnalyzeText(_ context.Context, _ string, texts []string) (string, error) {
	f.mu.Lock()
	f.analyzed = append(f.analyzed, texts)
	f.mu.Unlock()
	if f.onAnalyze != nil {
		f.onAnalyze()
	}
	if f.analyzeErr != nil {
		return "", f.analyzeErr
	}
	return f.summary, nil
}

func (f *fakeProviders) GenerateBrief(_ context.Context, contextText string) ([]byte, error) {
	f.mu.Lock()
	f.briefContexts = append(f.briefContexts, contextText)
	f.mu.Unlock()
	if f.briefErr != nil {
		return nil, f.briefErr
	}
	return []byte(f.briefRaw), nil
}

func (f *fakeProviders) GenerateImage(_ context.Context, prompt, model string) (*provider.Image, error) {
	f.mu.Lock()
	f.images = append(f.images, prompt)
	f.mu.Unlock()
	if f.imagePanics[prompt] {
		panic("image backend crashed")
	}
	if err := f.imageErrs[prompt]; err != nil {
		return nil, err
	}
	url := "https://images.example.com/" + strings.ReplaceAll(prompt, " ", "_") + ".png"
	if f.imageURL != nil {
		url = f.imageURL(prompt)
	}
	return &provider.Image{URL: url, Model: model}, nil
}

func (f *fakeProviders) GenerateMusic(_ context.Context, prompt, mood string) (*provider.MusicTask, error) {
	f.mu.Lock()
	f.musicCalls = append(f.musicCalls, mood+"|"+prompt)
	f.mu.Unlock()
	if f.musicErr != nil {
		return nil, f.musicErr
	}
	if f.music != nil {
		return f.music, nil
	}
	return &provider.MusicTask{Handle: "clip-1", AudioURL: "https://audio.example.com/clip-1.mp3"}, nil
}

func (f *fakeProviders) PollMusic(_ context.Context, _ string) (*provider.MusicStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.pollResults) == 0 {
		return &provider.MusicStatus{State: provider.MusicPending}, nil
	}
	status := f.pollResults[0]
	if len(f.pollResults) > 1 {
		f.pollResults = f.pollResults[1:]
	}
	return &status, nil
}

func (f *fakeProviders) bundle() provider.Providers {
	return provider.Providers{
		Search:     f,
		Transcript: f,
		Analyzer:   f,
		Brief:      f,
		Image:      f,
		Music:      f,
	}
}

type harness struct {
	pipeline   *Pipeline
	db         *gorm.DB
	dispatcher *dispatch.Inline
	fake       *fakeProviders
}

func newHarness(t *testing.T, fake *fakeProviders, opts ...func(*config.Config)) *harness {
	return newHarnessWithStore(t, fake, nil, opts...)
}

func newHarnessWithStore(t *testing.T, fake *fakeProviders, store assets.Store, opts ...func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Production.MaxMusicPolls = 3
	cfg.Transcript.Concurrency = 2
	for _, opt := range opts {
		opt(cfg)
	}

	db := testutil.NewDB(t)
	registry := dispatch.NewRegistry()
	inline := dispatch.NewInline(registry, testutil.Logger())

	p := New(cfg, db, inline, fake.bundle(), store, testutil.Logger())
	p.Register(registry)

	return &harness{pipeline: p, db: db, dispatcher: inline, fake: fake}
}

func (h *harness) enqueue(t *testing.T, build func(string) (dispatch.Task, error), id string) {
	t.Helper()
	task, err := build(id)
	require.NoError(t, err)
	_, err = h.dispatcher.Enqueue(context.Background(), task)
	require.NoError(t, err)
}

func (h *harness) seedResearch(t *testing.T, topic string, videos map[string]string) *models.ResearchJob {
	t.Helper()
	summary := "Agents plan and act."
	job := &models.ResearchJob{Topic: topic, Status: models.StatusCompleted, Summary: &summary}
	require.NoError(t, h.db.Create(job).Error)

	ids := make([]string, 0, len(videos))
	for id := range videos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		v := models.ResearchVideo{JobID: job.ID, Position: i, ExternalID: id, Title: "Video " + id}
		if text := videos[id]; text != "" {
			v.Transcript = &text
		}
		require.NoError(t, h.db.Create(&v).Error)
	}
	return job
}

func (h *harness) seedApprovedCuration(t *testing.T, brief string) *models.CurationJob {
	t.Helper()
	research := h.seedResearch(t, "AI Agents", nil)
	job := &models.CurationJob{
		ResearchJobID: research.ID,
		Status:        models.StatusCompleted,
		CreativeBrief: datatypes.JSON(brief),
	}
	if brief != "" {
		job.UserApprovedBrief = datatypes.JSON(brief)
	}
	require.NoError(t, h.db.Create(job).Error)
	return job
}

func (h *harness) seedProduction(t *testing.T, curationID string) *models.ProductionJob {
	t.Helper()
	job := &models.ProductionJob{CurationJobID: curationID, Status: models.StatusQueued}
	require.NoError(t, h.db.Create(job).Error)
	return job
}

func (h *harness) production(t *testing.T, id string) models.ProductionJob {
	t.Helper()
	var job models.ProductionJob
	require.NoError(t, h.db.
		Preload("Scenes", func(db *gorm.DB) *gorm.DB { return db.Order("scene_number") }).
		Preload("Tracks").
		First(&job, "id = ?", id).Error)
	return job
}

func storyboardJSON(t *testing.T, brief map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(brief)
	require.NoError(t, err)
	return string(data)
}
