package ytdlp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/config"
	"github.com/ifuryst/moviefactory/internal/service/provider"
)

// Runner executes an external command. It is replaced in tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Fetcher extracts subtitles with the yt-dlp binary.
type Fetcher struct {
	binary   string
	language string
	workDir  string
	timeout  time.Duration
	run      Runner
	logger   *zap.Logger
}

func NewFetcher(cfg *config.TranscriptConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		binary:   cfg.Binary,
		language: cfg.Language,
		workDir:  cfg.WorkDir,
		timeout:  config.ParseDuration(cfg.Timeout, 90*time.Second),
		run:      execRunner,
		logger:   logger,
	}
}

// WithRunner swaps the command runner.
func (f *Fetcher) WithRunner(run Runner) *Fetcher {
	f.run = run
	return f
}

var _ provider.TranscriptFetcher = (*Fetcher)(nil)

func (f *Fetcher) GetTranscript(ctx context.Context, externalID string) (string, error) {
	if err := os.MkdirAll(f.workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	dir, err := os.MkdirTemp(f.workDir, "transcript_")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	output := filepath.Join(dir, "transcript_"+externalID)
	url := provider.Video{ExternalID: externalID}.URL()

	if _, err := f.run(ctx, f.binary,
		"--skip-download",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", f.language,
		"--sub-format", "vtt",
		"--no-warnings",
		"--quiet",
		"-o", output,
		url,
	); err != nil {
		return "", fmt.Errorf("yt-dlp failed for %s: %w", externalID, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.vtt"))
	if err != nil {
		return "", fmt.Errorf("failed to locate subtitles: %w", err)
	}
	if len(matches) == 0 {
		f.logger.Debug("No subtitles available", zap.String("video_id", externalID))
		return "", nil
	}

	content, err := os.ReadFile(matches[0])
	if err != nil {
		return "", fmt.Errorf("failed to read subtitles: %w", err)
	}

	return CleanVTT(string(content)), nil
}

// CleanVTT strips WebVTT headers, cue timings and inline tags and collapses
// consecutive duplicate lines into a single space separated text.
func CleanVTT(content string) string {
	var lines []string
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" ||
			strings.Contains(line, "-->") ||
			strings.HasPrefix(line, "WEBVTT") ||
			strings.HasPrefix(line, "Kind:") ||
			strings.HasPrefix(line, "Language:") ||
			strings.HasPrefix(line, "NOTE") {
			continue
		}

		line = strings.TrimSpace(stripTags(line))
		if line == "" {
			continue
		}
		if len(lines) > 0 && lines[len(lines)-1] == line {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, " ")
}

// stripTags removes <...> markup such as <c> or <00:00:01.000>.
func stripTags(line string) string {
	var b strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
