package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/moviefactory/pkg/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logger     logger.Config    `yaml:"logger"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	YouTube    YouTubeConfig    `yaml:"youtube"`
	Transcript TranscriptConfig `yaml:"transcript"`
	AI         AIConfig         `yaml:"ai"`
	Media      MediaConfig      `yaml:"media"`
	Production ProductionConfig `yaml:"production"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

// DispatcherConfig selects how background work is executed.
// Mode is one of inline, pool or queue.
type DispatcherConfig struct {
	Mode         string `yaml:"mode"`
	Workers      int    `yaml:"workers"`
	QueueSize    int    `yaml:"queue_size"`
	PollInterval string `yaml:"poll_interval"`
	LeaseTimeout string `yaml:"lease_timeout"`
	MaxAttempts  int    `yaml:"max_attempts"`
	BatchSize    int    `yaml:"batch_size"`
}

type YouTubeConfig struct {
	APIKey     string `yaml:"api_key"`
	MaxResults int64  `yaml:"max_results"`
	Timeout    string `yaml:"timeout"`
}

type TranscriptConfig struct {
	Binary      string `yaml:"binary"`
	Language    string `yaml:"language"`
	WorkDir     string `yaml:"work_dir"`
	Timeout     string `yaml:"timeout"`
	Concurrency int    `yaml:"concurrency"`
}

// AIConfig configures the text analysis and creative brief backend.
// Provider is comet or gemini.
type AIConfig struct {
	Provider string       `yaml:"provider"`
	Comet    CometConfig  `yaml:"comet"`
	Gemini   GeminiConfig `yaml:"gemini"`
}

type CometConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	AnalysisModel string `yaml:"analysis_model"`
	BriefModel    string `yaml:"brief_model"`
	Timeout       string `yaml:"timeout"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type MediaConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	ImageModel       string `yaml:"image_model"`
	ImageSize        string `yaml:"image_size"`
	ImageTimeout     string `yaml:"image_timeout"`
	MusicTimeout     string `yaml:"music_timeout"`
	MakeInstrumental *bool  `yaml:"make_instrumental"`
}

type ProductionConfig struct {
	DefaultMusicPrompt string `yaml:"default_music_prompt"`
	DefaultMusicMood   string `yaml:"default_music_mood"`
	MusicPollInterval  string `yaml:"music_poll_interval"`
	MaxMusicPolls      int    `yaml:"max_music_polls"`
	SweepInterval      string `yaml:"sweep_interval"`
	StaleAfter         string `yaml:"stale_after"`
	MirrorAssets       bool   `yaml:"mirror_assets"`
}

// StorageConfig selects where generated assets are mirrored.
// Driver is local or supabase.
type StorageConfig struct {
	Driver        string         `yaml:"driver"`
	LocalDir      string         `yaml:"local_dir"`
	PublicBaseURL string         `yaml:"public_base_url"`
	Supabase      SupabaseConfig `yaml:"supabase"`
}

type SupabaseConfig struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
	Bucket         string `yaml:"bucket"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	// Server and database
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}

	// Dispatcher
	if cfg.Dispatcher.Mode == "" {
		cfg.Dispatcher.Mode = "pool"
	}
	if cfg.Dispatcher.Workers <= 0 {
		cfg.Dispatcher.Workers = 8
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		cfg.Dispatcher.QueueSize = 256
	}
	if cfg.Dispatcher.PollInterval == "" {
		cfg.Dispatcher.PollInterval = "1s"
	}
	if cfg.Dispatcher.LeaseTimeout == "" {
		cfg.Dispatcher.LeaseTimeout = "10m"
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		cfg.Dispatcher.MaxAttempts = 3
	}
	if cfg.Dispatcher.BatchSize <= 0 {
		cfg.Dispatcher.BatchSize = cfg.Dispatcher.Workers
	}

	// Providers
	if cfg.YouTube.MaxResults <= 0 {
		cfg.YouTube.MaxResults = 5
	}
	if cfg.YouTube.Timeout == "" {
		cfg.YouTube.Timeout = "30s"
	}

	if cfg.Transcript.Binary == "" {
		cfg.Transcript.Binary = "yt-dlp"
	}
	if cfg.Transcript.Language == "" {
		cfg.Transcript.Language = "en"
	}
	if cfg.Transcript.WorkDir == "" {
		cfg.Transcript.WorkDir = "./jobs"
	}
	if cfg.Transcript.Timeout == "" {
		cfg.Transcript.Timeout = "90s"
	}
	if cfg.Transcript.Concurrency <= 0 {
		cfg.Transcript.Concurrency = 4
	}

	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "comet"
	}
	if cfg.AI.Comet.BaseURL == "" {
		cfg.AI.Comet.BaseURL = "https://api.cometapi.com/v1"
	}
	if cfg.AI.Comet.AnalysisModel == "" {
		cfg.AI.Comet.AnalysisModel = "claude-sonnet-4-6"
	}
	if cfg.AI.Comet.BriefModel == "" {
		cfg.AI.Comet.BriefModel = "claude-opus-4-6"
	}
	if cfg.AI.Comet.Timeout == "" {
		cfg.AI.Comet.Timeout = "60s"
	}
	if cfg.AI.Gemini.Model == "" {
		cfg.AI.Gemini.Model = "gemini-1.5-flash"
	}

	if cfg.Media.BaseURL == "" {
		cfg.Media.BaseURL = cfg.AI.Comet.BaseURL
	}
	if cfg.Media.APIKey == "" {
		cfg.Media.APIKey = cfg.AI.Comet.APIKey
	}
	if cfg.Media.ImageModel == "" {
		cfg.Media.ImageModel = "nanobananapro"
	}
	if cfg.Media.ImageSize == "" {
		cfg.Media.ImageSize = "1024x1024"
	}
	if cfg.Media.ImageTimeout == "" {
		cfg.Media.ImageTimeout = "120s"
	}
	if cfg.Media.MusicTimeout == "" {
		cfg.Media.MusicTimeout = "60s"
	}
	if cfg.Media.MakeInstrumental == nil {
		instrumental := true
		cfg.Media.MakeInstrumental = &instrumental
	}

	// Production
	if cfg.Production.DefaultMusicPrompt == "" {
		cfg.Production.DefaultMusicPrompt = "Cinematic documentary"
	}
	if cfg.Production.DefaultMusicMood == "" {
		cfg.Production.DefaultMusicMood = "Cinematic"
	}
	if cfg.Production.MusicPollInterval == "" {
		cfg.Production.MusicPollInterval = "15s"
	}
	if cfg.Production.MaxMusicPolls <= 0 {
		cfg.Production.MaxMusicPolls = 40
	}
	if cfg.Production.SweepInterval == "" {
		cfg.Production.SweepInterval = "1m"
	}
	if cfg.Production.StaleAfter == "" {
		cfg.Production.StaleAfter = "10m"
	}

	// Storage
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "local"
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "./jobs/assets"
	}
	if cfg.Storage.Supabase.Bucket == "" {
		cfg.Storage.Supabase.Bucket = "assets"
	}
}

// ParseDuration parses value, falling back when it is empty or invalid.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
