package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service/assets"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

func fourSceneBrief(t *testing.T) string {
	return storyboardJSON(t, map[string]interface{}{
		"title":          "Rise of the Agents",
		"narrative_goal": "Hopeful look at autonomous software",
		"music_mood":     "Uplifting",
		"storyboard": []map[string]interface{}{
			{"scene_index": 2, "narration": "n2", "visual_prompt": "p2"},
			{"scene_index": 0, "narration": "n0", "visual_prompt": "p0"},
			{"scene_index": 3, "narration": "n3", "visual_prompt": "p3"},
			{"scene_index": 1, "narration": "n1", "visual_prompt": "p1"},
		},
	})
}

func startProduction(t *testing.T, h *harness, brief string) models.ProductionJob {
	t.Helper()
	curation := h.seedApprovedCuration(t, brief)
	job := h.seedProduction(t, curation.ID)
	h.enqueue(t, ProductionStartTask, job.ID)
	return h.production(t, job.ID)
}

func TestProduction_FanOutAndFinalize(t *testing.T) {
	fake := &fakeProviders{}
	h := newHarness(t, fake)

	job := startProduction(t, h, fourSceneBrief(t))

	assert.Equal(t, models.StatusReady, job.Status)
	assert.Equal(t, 4, job.NumScenes)
	assert.Equal(t, 1, job.NumTracks)
	assert.Zero(t, job.FailedScenes)
	assert.NotNil(t, job.FinalizedAt)
	assert.Nil(t, job.Error)

	require.Len(t, job.Scenes, 4)
	for i, scene := range job.Scenes {
		assert.Equal(t, i+1, scene.SceneNumber)
		assert.Equal(t, "p"+string(rune('0'+i)), scene.ImagePrompt)
		assert.Equal(t, "n"+string(rune('0'+i)), scene.Description)
		assert.Equal(t, "nanobananapro", scene.ImageModel)
		assert.Equal(t, models.StatusCompleted, scene.Status)
		require.NotNil(t, scene.ImageURL)
		assert.Nil(t, scene.LocalImagePath)
	}

	require.Len(t, job.Tracks, 1)
	track := job.Tracks[0]
	assert.Equal(t, 1, track.TrackNumber)
	assert.Equal(t, "Hopeful look at autonomous software", track.Prompt)
	assert.Equal(t, "Uplifting", track.Mood)
	assert.Equal(t, models.StatusCompleted, track.Status)
	require.NotNil(t, track.AudioURL)
	assert.Equal(t, "https://audio.example.com/clip-1.mp3", *track.AudioURL)
	assert.Zero(t, fake.polls)
}

func TestProduction_PollsAsyncMusic(t *testing.T) {
	fake := &fakeProviders{
		music: &provider.MusicTask{Handle: "clip-9"},
		pollResults: []provider.MusicStatus{
			{State: provider.MusicPending},
			{State: provider.MusicComplete, AudioURL: "https://audio.example.com/clip-9.mp3", Title: "Dawn", DurationSeconds: 92.5},
		},
	}
	h := newHarness(t, fake)

	job := startProduction(t, h, fourSceneBrief(t))

	assert.Equal(t, models.StatusReady, job.Status)
	require.Len(t, job.Tracks, 1)
	track := job.Tracks[0]
	assert.Equal(t, models.StatusCompleted, track.Status)
	assert.Equal(t, 2, track.PollAttempts)
	require.NotNil(t, track.ProviderTaskID)
	assert.Equal(t, "clip-9", *track.ProviderTaskID)
	require.NotNil(t, track.Title)
	assert.Equal(t, "Dawn", *track.Title)
	require.NotNil(t, track.DurationSeconds)
	assert.Equal(t, 92.5, *track.DurationSeconds)
	assert.Equal(t, 2, fake.polls)
}

func TestProduction_MusicPollTimeout(t *testing.T) {
	fake := &fakeProviders{music: &provider.MusicTask{Handle: "clip-slow"}}
	h := newHarness(t, fake)

	job := startProduction(t, h, fourSceneBrief(t))

	require.Len(t, job.Tracks, 1)
	track := job.Tracks[0]
	assert.Equal(t, models.StatusFailed, track.Status)
	require.NotNil(t, track.Error)
	assert.Equal(t, "music generation timed out", *track.Error)
	assert.Equal(t, 3, track.PollAttempts)
	assert.Equal(t, 3, fake.polls)

	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "no music track generated", *job.Error)
	assert.Equal(t, 1, job.FailedTracks)
	assert.Zero(t, job.FailedScenes)
}

func TestProduction_MusicProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		fake   *fakeProviders
		reason string
	}{
		{
			name:   "generate error",
			fake:   &fakeProviders{musicErr: errors.New("suno unavailable")},
			reason: "suno unavailable",
		},
		{
			name: "poll reports error",
			fake: &fakeProviders{
				music:       &provider.MusicTask{Handle: "clip-2"},
				pollResults: []provider.MusicStatus{{State: provider.MusicError, Error: "content policy"}},
			},
			reason: "content policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.fake)
			job := startProduction(t, h, fourSceneBrief(t))

			track := job.Tracks[0]
			assert.Equal(t, models.StatusFailed, track.Status)
			require.NotNil(t, track.Error)
			assert.Equal(t, tt.reason, *track.Error)
			assert.Equal(t, models.StatusFailed, job.Status)
		})
	}
}

func TestProduction_PartialSceneFailureStillReady(t *testing.T) {
	fake := &fakeProviders{
		imageErrs:   map[string]error{"p1": errors.New("safety filter")},
		imagePanics: map[string]bool{"p2": true},
	}
	h := newHarness(t, fake)

	job := startProduction(t, h, fourSceneBrief(t))

	assert.Equal(t, models.StatusReady, job.Status)
	assert.Equal(t, 2, job.FailedScenes)

	require.Len(t, job.Scenes, 4)
	assert.Equal(t, models.StatusCompleted, job.Scenes[0].Status)
	assert.Equal(t, models.StatusFailed, job.Scenes[1].Status)
	require.NotNil(t, job.Scenes[1].Error)
	assert.Equal(t, "safety filter", *job.Scenes[1].Error)
	assert.Equal(t, models.StatusFailed, job.Scenes[2].Status)
	require.NotNil(t, job.Scenes[2].Error)
	assert.Contains(t, *job.Scenes[2].Error, "image backend crashed")
	assert.Equal(t, models.StatusCompleted, job.Scenes[3].Status)
	assert.Equal(t, models.StatusCompleted, job.Tracks[0].Status)
}

func TestProduction_AllScenesFailed(t *testing.T) {
	boom := errors.New("boom")
	fake := &fakeProviders{imageErrs: map[string]error{"p0": boom, "p1": boom, "p2": boom, "p3": boom}}
	h := newHarness(t, fake)

	job := startProduction(t, h, fourSceneBrief(t))

	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "no scene images generated", *job.Error)
	assert.Equal(t, 4, job.FailedScenes)
	assert.NotNil(t, job.FinalizedAt)
	assert.Equal(t, models.StatusCompleted, job.Tracks[0].Status)
}

func TestProduction_WithoutApprovedBrief(t *testing.T) {
	h := newHarness(t, &fakeProviders{})

	job := startProduction(t, h, "")

	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "no approved storyboard found", *job.Error)
	assert.Empty(t, job.Scenes)
	assert.Empty(t, job.Tracks)
}

func TestProduction_MissingCuration(t *testing.T) {
	h := newHarness(t, &fakeProviders{})
	job := h.seedProduction(t, "gone")

	require.NoError(t, h.pipeline.StartProduction(context.Background(), job.ID))

	got := h.production(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "curation job not found", *got.Error)
}

func TestProduction_DefaultsWhenBriefIsSparse(t *testing.T) {
	fake := &fakeProviders{}
	h := newHarness(t, fake)
	brief := `{"title":"Bare","storyboard":[{"scene_index":0,"narration":"n","visual_prompt":"p"}]}`
	curation := h.seedApprovedCuration(t, brief)
	require.NoError(t, h.db.Model(curation).Update("image_model", "flux-pro").Error)
	job := h.seedProduction(t, curation.ID)

	h.enqueue(t, ProductionStartTask, job.ID)

	got := h.production(t, job.ID)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, "flux-pro", got.Scenes[0].ImageModel)
	assert.Equal(t, "Cinematic documentary", got.Tracks[0].Prompt)
	assert.Equal(t, "Cinematic", got.Tracks[0].Mood)
	assert.Equal(t, []string{"Cinematic|Cinematic documentary"}, fake.musicCalls)
}

func TestProduction_RedeliveryDoesNotDuplicateChildren(t *testing.T) {
	fake := &fakeProviders{}
	h := newHarness(t, fake)
	job := startProduction(t, h, fourSceneBrief(t))
	ctx := context.Background()

	require.NoError(t, h.pipeline.StartProduction(ctx, job.ID))

	got := h.production(t, job.ID)
	assert.Len(t, got.Scenes, 4)
	assert.Len(t, got.Tracks, 1)
	assert.Len(t, fake.images, 4)
	assert.Len(t, fake.musicCalls, 1)
}

func TestProduction_ResumesProcessingJob(t *testing.T) {
	fake := &fakeProviders{}
	h := newHarness(t, fake)
	job := processingJob(t, h, models.StatusPending, models.StatusCompleted)

	require.NoError(t, h.pipeline.StartProduction(context.Background(), job.ID))

	got := h.production(t, job.ID)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, models.StatusCompleted, got.Scenes[0].Status)
	assert.Len(t, fake.images, 1)
	assert.Empty(t, fake.musicCalls)
}

// processingJob seeds a processing production with one scene and one track
// in the given states.
func processingJob(t *testing.T, h *harness, sceneStatus, trackStatus models.Status) models.ProductionJob {
	t.Helper()
	job := &models.ProductionJob{CurationJobID: "c-" + string(sceneStatus) + string(trackStatus), Status: models.StatusProcessing, NumScenes: 2, NumTracks: 1}
	require.NoError(t, h.db.Create(job).Error)

	require.NoError(t, h.db.Create(&models.ProductionScene{JobID: job.ID, SceneNumber: 1, ImagePrompt: "p0", Status: sceneStatus}).Error)
	require.NoError(t, h.db.Create(&models.ProductionScene{JobID: job.ID, SceneNumber: 2, ImagePrompt: "p1", Status: models.StatusCompleted}).Error)
	require.NoError(t, h.db.Create(&models.ProductionTrack{JobID: job.ID, TrackNumber: 1, Prompt: "x", Mood: "y", Status: trackStatus}).Error)
	return h.production(t, job.ID)
}

func TestFinalizeProduction_DefersUntilChildrenSettle(t *testing.T) {
	h := newHarness(t, &fakeProviders{})
	job := processingJob(t, h, models.StatusGenerating, models.StatusCompleted)
	ctx := context.Background()

	require.NoError(t, h.pipeline.FinalizeProduction(ctx, job.ID))
	require.NoError(t, h.pipeline.FinalizeProduction(ctx, job.ID))

	got := h.production(t, job.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Nil(t, got.FinalizedAt)

	require.NoError(t, h.db.Model(&models.ProductionScene{}).
		Where("id = ?", job.Scenes[0].ID).
		Updates(map[string]interface{}{"status": models.StatusFailed, "error": "timeout"}).Error)

	require.NoError(t, h.pipeline.FinalizeProduction(ctx, job.ID))
	first := h.production(t, job.ID)
	assert.Equal(t, models.StatusReady, first.Status)
	assert.Equal(t, 1, first.FailedScenes)
	require.NotNil(t, first.FinalizedAt)

	require.NoError(t, h.pipeline.FinalizeProduction(ctx, job.ID))
	second := h.production(t, job.ID)
	assert.Equal(t, models.StatusReady, second.Status)
	require.NotNil(t, second.FinalizedAt)
	assert.True(t, first.FinalizedAt.Equal(*second.FinalizedAt))
}

func TestFinalizeProduction_IgnoresJobsNotProcessing(t *testing.T) {
	h := newHarness(t, &fakeProviders{})
	job := &models.ProductionJob{CurationJobID: "c1", Status: models.StatusQueued}
	require.NoError(t, h.db.Create(job).Error)

	require.NoError(t, h.pipeline.FinalizeProduction(context.Background(), job.ID))
	require.NoError(t, h.pipeline.FinalizeProduction(context.Background(), "missing"))

	assert.Equal(t, models.StatusQueued, h.production(t, job.ID).Status)
}

func TestSweeper_FinalizesSettledJobs(t *testing.T) {
	h := newHarness(t, &fakeProviders{})
	settled := processingJob(t, h, models.StatusCompleted, models.StatusCompleted)
	inFlight := processingJob(t, h, models.StatusGenerating, models.StatusPolling)

	sweeper := NewSweeper(h.pipeline, time.Minute, time.Minute, h.pipeline.logger)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, models.StatusReady, h.production(t, settled.ID).Status)
	assert.Equal(t, models.StatusProcessing, h.production(t, inFlight.ID).Status)

	n, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeper_RedispatchesStaleChildren(t *testing.T) {
	fake := &fakeProviders{}
	h := newHarness(t, fake)
	job := processingJob(t, h, models.StatusPending, models.StatusCompleted)
	ctx := context.Background()

	sweeper := NewSweeper(h.pipeline, time.Minute, time.Minute, h.pipeline.logger)

	// The scene was touched just now, so its task is presumed in flight.
	_, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, h.production(t, job.ID).Status)
	assert.Empty(t, fake.images)

	require.NoError(t, h.db.Model(&models.ProductionScene{}).
		Where("id = ?", job.Scenes[0].ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.production(t, job.ID)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, models.StatusCompleted, got.Scenes[0].Status)
	assert.Equal(t, []string{"p0"}, fake.images)
}

func TestSweeper_RestartsStaleQueuedJobs(t *testing.T) {
	h := newHarness(t, &fakeProviders{})
	curation := h.seedApprovedCuration(t, storyboardJSON(t, map[string]interface{}{
		"title":      "Agents",
		"music_mood": "Calm",
		"storyboard": []map[string]interface{}{
			{"scene_index": 0, "narration": "n0", "visual_prompt": "p0"},
		},
	}))
	fresh := h.seedProduction(t, curation.ID)

	other := h.seedApprovedCuration(t, storyboardJSON(t, map[string]interface{}{
		"title":      "Agents",
		"storyboard": []map[string]interface{}{{"scene_index": 0, "narration": "n0", "visual_prompt": "p0"}},
	}))
	lost := h.seedProduction(t, other.ID)
	require.NoError(t, h.db.Model(&models.ProductionJob{}).
		Where("id = ?", lost.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	sweeper := NewSweeper(h.pipeline, time.Minute, time.Minute, h.pipeline.logger)
	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.StatusQueued, h.production(t, fresh.ID).Status)
	restarted := h.production(t, lost.ID)
	assert.Equal(t, models.StatusReady, restarted.Status)
	assert.Len(t, restarted.Scenes, 1)
}

func TestProduction_MirrorsAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".mp3") {
			w.Header().Set("Content-Type", "audio/mpeg")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		_, _ = w.Write([]byte("bytes of " + r.URL.Path))
	}))
	defer srv.Close()

	fake := &fakeProviders{
		imageURL: func(prompt string) string { return srv.URL + "/img/" + prompt + ".webp" },
		music:    &provider.MusicTask{Handle: "clip-1", AudioURL: srv.URL + "/audio/clip-1.mp3"},
	}
	dir := t.TempDir()
	store := assets.NewLocalStore(dir, "https://cdn.example.com")
	h := newHarnessWithStore(t, fake, store, func(cfg *config.Config) {
		cfg.Production.MirrorAssets = true
	})

	job := startProduction(t, h, fourSceneBrief(t))
	assert.Equal(t, models.StatusReady, job.Status)

	scene := job.Scenes[0]
	require.NotNil(t, scene.LocalImagePath)
	assert.True(t, strings.HasSuffix(*scene.LocalImagePath, "scene_001.webp"))
	data, err := os.ReadFile(*scene.LocalImagePath)
	require.NoError(t, err)
	assert.Equal(t, "bytes of /img/p0.webp", string(data))
	assert.Equal(t, srv.URL+"/img/p0.webp", *scene.ImageURL)

	track := job.Tracks[0]
	require.NotNil(t, track.LocalAudioPath)
	assert.True(t, strings.HasSuffix(*track.LocalAudioPath, "track_01-uplifting.mp3"))
	_, err = os.Stat(*track.LocalAudioPath)
	assert.NoError(t, err)
}
