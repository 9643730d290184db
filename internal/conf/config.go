// config.go: settings for the trafficsat service and the functions that load and save them.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

// SentinelSettings configures the Sentinel Hub imagery source.
type SentinelSettings struct {
	ClientID         string        // OAuth2 client id, usually from SENTINEL_CLIENT_ID
	ClientSecret     string        // OAuth2 client secret, usually from SENTINEL_CLIENT_SECRET
	BaseURL          string        // Sentinel Hub API base URL
	TokenURL         string        // OAuth2 token endpoint
	Collection       string        // data collection, e.g. sentinel-2-l2a
	Resolution       float64       // meters per pixel
	MaxCloudCoverage float64       // 0..1
	LookbackDays     int           // how far back to search for a scene
	BBox             []float64     // default analysis area [minLon, minLat, maxLon, maxLat]
	AreaPrefix       string        // prefix for generated image ids
	MaxDimension     int           // provider limit for output width and height in pixels
	RateLimit        float64       // requests per second towards the provider
	Timeout          time.Duration // per request timeout
}

// DetectorSettings configures the vehicle detection inference service.
type DetectorSettings struct {
	URL                 string        // inference server base URL
	Model               string        // model name passed to the server
	ConfidenceThreshold float64       // minimum detection confidence
	IoUThreshold        float64       // non-maximum suppression IoU threshold
	Timeout             time.Duration // per request timeout
}

// AnalysisSettings contains the density scoring parameters.
type AnalysisSettings struct {
	MaxVehiclesPerKm2 int     // saturation threshold for a score of 100
	WholeAreaKm2      float64 // area assumed for whole-area runs
	CellAreaKm2       float64 // area assumed for each grid cell
	GridRows          int     // custom area grid rows
	GridCols          int     // custom area grid columns
}

// SchedulerSettings controls the recurring analysis.
type SchedulerSettings struct {
	Enabled    bool
	Interval   time.Duration
	RunOnStart bool // run once immediately after start
}

// RetrySettings controls retries of queued analysis jobs.
type RetrySettings struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// JobQueueSettings controls the manual trigger job queue.
type JobQueueSettings struct {
	MaxJobs     int           // maximum pending jobs
	MaxArchived int           // completed jobs kept for status queries
	JobTimeout  time.Duration // upper bound for one analysis run
	Retry       RetrySettings // retry policy while another run holds the gate
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Enabled bool
	Path    string
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Host     string
	Port     string
	Database string
}

// PostgresSettings contains settings for the PostgreSQL database.
type PostgresSettings struct {
	Enabled bool
	DSN     string
}

// OutputSettings selects the datastore backend.
type OutputSettings struct {
	SQLite   SQLiteSettings
	MySQL    MySQLSettings
	Postgres PostgresSettings
}

// WebServerSettings contains settings for the REST API.
type WebServerSettings struct {
	Enabled     bool
	Port        string
	Debug       bool
	CacheTTL    time.Duration // cache lifetime for summary and latest queries
	TokenSecret string        // HS256 secret, when set POST analyze/* require a bearer token
}

// MQTTSettings contains settings for publishing density samples.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	Username string
	Password string
	Retain   bool
}

// NotificationSettings contains settings for failed run notifications.
type NotificationSettings struct {
	Enabled bool
	URLs    []string // shoutrrr service URLs
	Timeout time.Duration
}

// SentrySettings contains settings for error telemetry.
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	SampleRate  float64
}

// MainSettings contains general service settings.
type MainSettings struct {
	Name string
}

// Settings contains all configuration options for the service.
type Settings struct {
	Debug bool

	Main         MainSettings
	Logging      logger.LoggingConfig
	Sentinel     SentinelSettings
	Detector     DetectorSettings
	Analysis     AnalysisSettings
	Scheduler    SchedulerSettings
	JobQueue     JobQueueSettings
	Output       OutputSettings
	WebServer    WebServerSettings
	MQTT         MQTTSettings
	Notification NotificationSettings
	Sentry       SentrySettings
}

var settingsMutex sync.Mutex

// Load reads configuration from config.yaml, .env and environment variables.
// A default config.yaml is written when none exists.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	// .env is optional, a missing file is not an error
	_ = godotenv.Load()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// DefaultSettings returns settings populated only from defaults, without
// touching the global viper instance or the filesystem.
func DefaultSettings() (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling defaults: %w", err)
	}
	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		return err
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the current defaults to dir/config.yaml and reads it back
func createDefaultConfig(dir string) error {
	defaults := &Settings{}
	if err := viper.Unmarshal(defaults); err != nil {
		return fmt.Errorf("error building default config: %w", err)
	}
	// Credentials come from the environment, never persist them by default
	defaults.Sentinel.ClientID = ""
	defaults.Sentinel.ClientSecret = ""

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := SaveYAMLConfig(configPath, defaults); err != nil {
		return err
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// SaveYAMLConfig writes settings to configPath atomically.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

// DefaultBBox returns the configured default analysis area as a fixed array.
func (s *SentinelSettings) DefaultBBox() [4]float64 {
	var bbox [4]float64
	copy(bbox[:], s.BBox)
	return bbox
}
