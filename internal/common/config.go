package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML duration
// strings ("30s", "2m"). go-toml decodes strings through TextUnmarshaler.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the root configuration structure
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig  `toml:"logging"`
	Storage     StorageConfig  `toml:"storage"`
	Queue       QueueConfig    `toml:"queue"`
	Fetcher     FetcherConfig  `toml:"fetcher"`
	Gemini      GeminiConfig   `toml:"gemini"`
	Browser     BrowserConfig  `toml:"browser"`
	Selector    SelectorConfig `toml:"selector"`
	Scoring     ScoringConfig  `toml:"scoring"`
	Hunt        HuntConfig     `toml:"hunt"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// StorageConfig contains persistence configuration
type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Assets AssetsConfig `toml:"assets"`
}

// BadgerConfig contains Badger database configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// AssetsConfig configures the local image mirror
type AssetsConfig struct {
	Dir       string `toml:"dir"`        // Directory for mirrored listing images
	MaxImages int    `toml:"max_images"` // Max images downloaded per listing
}

// QueueConfig contains job queue configuration
type QueueConfig struct {
	PollInterval      Duration `toml:"poll_interval"`      // How often workers poll for messages
	Concurrency       int      `toml:"concurrency"`        // Concurrent workers per queue
	VisibilityTimeout Duration `toml:"visibility_timeout"` // Message visibility timeout for redelivery
	MaxReceive        int      `toml:"max_receive"`        // Max receives before a message is dropped as failed
	BackoffBase       Duration `toml:"backoff_base"`       // First retry delay, doubled per attempt
	BackoffMax        Duration `toml:"backoff_max"`        // Ceiling for the retry delay
}

// FetcherConfig contains HTTP retrieval configuration
type FetcherConfig struct {
	MinInterval    Duration `toml:"min_interval"`    // Minimum delay between requests to the same origin
	RandomDelay    Duration `toml:"random_delay"`    // Jitter added on top of min_interval
	RequestTimeout Duration `toml:"request_timeout"` // HTTP request timeout
	UserAgents     []string `toml:"user_agents"`     // Rotation pool; one picked at random per request
}

// GeminiCredential is one API key bound to a quota project
type GeminiCredential struct {
	Key     string `toml:"key" validate:"required"`
	Project int    `toml:"project"`
}

// GeminiConfig contains extraction gateway configuration
type GeminiConfig struct {
	Credentials       []GeminiCredential `toml:"credentials"`
	Models            []string           `toml:"models"`             // Ordered model variants, most capable first
	RPM               int                `toml:"rpm"`                // Per-credential calls per minute
	TPM               int                `toml:"tpm"`                // Per-credential estimated tokens per minute
	RPD               int                `toml:"rpd"`                // Per-credential calls per day
	Cooldown          Duration           `toml:"cooldown"`           // Global inter-call cooldown
	CallTimeout       Duration           `toml:"call_timeout"`       // Per-call timeout
	AcquisitionBudget Duration           `toml:"acquisition_budget"` // Max wall-clock wait for a usable credential
	Temperature       float32            `toml:"temperature"`
}

// BrowserConfig contains headless browser configuration
type BrowserConfig struct {
	Enabled     bool     `toml:"enabled"`
	PoolSize    int      `toml:"pool_size"`
	Headless    bool     `toml:"headless"`
	UserAgent   string   `toml:"user_agent"`
	NavTimeout  Duration `toml:"nav_timeout"`  // Navigation timeout per capture
	SettleDelay Duration `toml:"settle_delay"` // Wait after load before the first screenshot
	ScrollStep  int      `toml:"scroll_step"`  // Pixels scrolled between screenshots
	FanOut      int      `toml:"fan_out"`      // Parallel visual extraction calls per listing
}

// SelectorConfig contains candidate selection configuration
type SelectorConfig struct {
	TargetCount      int      `toml:"target_count"`      // Listings selected per search page
	ShortlistLimit   int      `toml:"shortlist_limit"`   // Max candidates sent to the model
	MinInBand        int      `toml:"min_in_band"`       // Minimum selections inside the budget band
	BandMinCents     int64    `toml:"band_min_cents"`    // Preferred price band lower bound
	BandMaxCents     int64    `toml:"band_max_cents"`    // Preferred price band upper bound
	PriceFloorCents  int64    `toml:"price_floor_cents"` // Items priced >0 and below this are dropped
	NegativeKeywords []string `toml:"negative_keywords"` // Title substrings that disqualify an item
	BuyerIntent      string   `toml:"buyer_intent"`      // Free-text intent included in the ranking prompt
}

// ScoringConfig contains acceptance scoring configuration
type ScoringConfig struct {
	BrandAllowlist []string `toml:"brand_allowlist"`
	BrandWeight    float64  `toml:"brand_weight"`
	ImagesFull     float64  `toml:"images_full"`    // Bonus when the listing has 3+ images
	ImagesPartial  float64  `toml:"images_partial"` // Bonus when the listing has at least one image
	DescWeight     float64  `toml:"desc_weight"`
	DescMinLength  int      `toml:"desc_min_length"`
	PriceWeight    float64  `toml:"price_weight"`
	PricePenalty   float64  `toml:"price_penalty"` // Subtracted when price falls outside the plausible band
	PriceMinCents  int64    `toml:"price_min_cents"`
	PriceMaxCents  int64    `toml:"price_max_cents"`
	KeepThreshold  float64  `toml:"keep_threshold"`
	PublishThresh  float64  `toml:"publish_threshold"`
}

// HuntConfig contains seeded discovery configuration
type HuntConfig struct {
	SearchURLs []string `toml:"search_urls"` // Seed search pages
	Schedule   string   `toml:"schedule"`    // Cron schedule for re-seeding; empty disables
	SourceTag  string   `toml:"source_tag"`  // Tag stamped onto enqueued jobs
}

// NewDefaultConfig creates a configuration with default values.
// Quota defaults match the free-tier limits of the extraction API.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/venari",
				ResetOnStartup: false,
			},
			Assets: AssetsConfig{
				Dir:       "./data/images",
				MaxImages: 5,
			},
		},
		Queue: QueueConfig{
			PollInterval:      Duration(1 * time.Second),
			Concurrency:       2,
			VisibilityTimeout: Duration(5 * time.Minute),
			MaxReceive:        3,
			BackoffBase:       Duration(5 * time.Second),
			BackoffMax:        Duration(2 * time.Minute),
		},
		Fetcher: FetcherConfig{
			MinInterval:    Duration(2 * time.Second),
			RandomDelay:    Duration(1 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
			UserAgents:     defaultUserAgents(),
		},
		Gemini: GeminiConfig{
			Models: []string{
				"gemini-2.5-flash",
				"gemini-2.0-flash-exp",
				"gemini-2.0-flash",
				"gemini-1.5-flash",
			},
			RPM:               10,
			TPM:               1000000,
			RPD:               1400,
			Cooldown:          Duration(1 * time.Second),
			CallTimeout:       Duration(60 * time.Second),
			AcquisitionBudget: Duration(90 * time.Second),
			Temperature:       0.1,
		},
		Browser: BrowserConfig{
			Enabled:     true,
			PoolSize:    2,
			Headless:    true,
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			NavTimeout:  Duration(45 * time.Second),
			SettleDelay: Duration(3 * time.Second),
			ScrollStep:  800,
			FanOut:      3,
		},
		Selector: SelectorConfig{
			TargetCount:     3,
			ShortlistLimit:  20,
			MinInBand:       2,
			BandMinCents:    100000,
			BandMaxCents:    250000,
			PriceFloorCents: 20000,
			NegativeKeywords: []string{
				"suche", "gesucht", "wanted", "looking for",
				"ersatzteil", "defekt", "bastler",
			},
			BuyerIntent: "a well-maintained mid-range road or gravel bike worth reselling",
		},
		Scoring: ScoringConfig{
			BrandAllowlist: []string{
				"specialized", "trek", "canyon", "cube", "giant",
				"scott", "cannondale", "bianchi", "orbea", "rose",
			},
			BrandWeight:   0.30,
			ImagesFull:    0.25,
			ImagesPartial: 0.10,
			DescWeight:    0.20,
			DescMinLength: 80,
			PriceWeight:   0.25,
			PricePenalty:  0.30,
			PriceMinCents: 20000,
			PriceMaxCents: 500000,
			KeepThreshold: 0.40,
			PublishThresh: 0.65,
		},
		Hunt: HuntConfig{
			SearchURLs: nil,
			Schedule:   "",
			SourceTag:  "hunt",
		},
	}
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for structural problems
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Scoring.KeepThreshold >= c.Scoring.PublishThresh {
		return fmt.Errorf("invalid configuration: keep_threshold (%.2f) must be below publish_threshold (%.2f)",
			c.Scoring.KeepThreshold, c.Scoring.PublishThresh)
	}
	if c.Selector.BandMinCents >= c.Selector.BandMaxCents {
		return fmt.Errorf("invalid configuration: band_min_cents must be below band_max_cents")
	}
	return nil
}

// applyEnvOverrides applies VENARI_* environment variable overrides
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VENARI_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("VENARI_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VENARI_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitAndTrim(output)
	}

	if path := os.Getenv("VENARI_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if dir := os.Getenv("VENARI_ASSETS_DIR"); dir != "" {
		config.Storage.Assets.Dir = dir
	}

	if concurrency := os.Getenv("VENARI_QUEUE_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil && n > 0 {
			config.Queue.Concurrency = n
		}
	}
	if interval := os.Getenv("VENARI_FETCH_MIN_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil && d > 0 {
			config.Fetcher.MinInterval = Duration(d)
		}
	}

	// VENARI_GEMINI_API_KEYS="key1,key2" adds credentials under project 0;
	// VENARI_GEMINI_API_KEYS="0:key1,1:key2" binds keys to explicit projects.
	if keys := os.Getenv("VENARI_GEMINI_API_KEYS"); keys != "" {
		config.Gemini.Credentials = parseCredentialEnv(keys)
	}

	if urls := os.Getenv("VENARI_SEARCH_URLS"); urls != "" {
		config.Hunt.SearchURLs = splitAndTrim(urls)
	}
	if schedule := os.Getenv("VENARI_HUNT_SCHEDULE"); schedule != "" {
		config.Hunt.Schedule = schedule
	}
}

func parseCredentialEnv(raw string) []GeminiCredential {
	var creds []GeminiCredential
	for _, entry := range splitAndTrim(raw) {
		project := 0
		key := entry
		if idx := strings.Index(entry, ":"); idx > 0 {
			if p, err := strconv.Atoi(entry[:idx]); err == nil {
				project = p
				key = entry[idx+1:]
			}
		}
		if key == "" {
			continue
		}
		creds = append(creds, GeminiCredential{Key: key, Project: project})
	}
	return creds
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
