// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// minSchedulerInterval keeps the provider quota safe from misconfiguration
const minSchedulerInterval = time.Minute

// ValidateSettings validates the entire Settings struct.
// Sentinel credentials are not checked here; the image source reports
// missing credentials when it is constructed.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		func(s *Settings) error { return validateSentinelSettings(&s.Sentinel) },
		func(s *Settings) error { return validateDetectorSettings(&s.Detector) },
		func(s *Settings) error { return validateAnalysisSettings(&s.Analysis) },
		func(s *Settings) error { return validateSchedulerSettings(&s.Scheduler) },
		func(s *Settings) error { return validateJobQueueSettings(&s.JobQueue) },
		func(s *Settings) error { return validateOutputSettings(&s.Output) },
		func(s *Settings) error { return validateWebServerSettings(&s.WebServer) },
		func(s *Settings) error { return validateMQTTSettings(&s.MQTT) },
		func(s *Settings) error { return validateNotificationSettings(&s.Notification) },
	}

	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// ValidateBBox checks a [minLon, minLat, maxLon, maxLat] box
func ValidateBBox(bbox []float64) error {
	if len(bbox) != 4 {
		return fmt.Errorf("bbox must have 4 values, got %d", len(bbox))
	}
	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]
	if minLon < -180 || maxLon > 180 || minLat < -90 || maxLat > 90 {
		return fmt.Errorf("bbox %v is outside WGS84 bounds", bbox)
	}
	if minLon >= maxLon || minLat >= maxLat {
		return fmt.Errorf("bbox %v must have min < max on both axes", bbox)
	}
	return nil
}

func validateSentinelSettings(s *SentinelSettings) error {
	if err := ValidateBBox(s.BBox); err != nil {
		return fmt.Errorf("sentinel: %w", err)
	}
	if s.Resolution <= 0 {
		return fmt.Errorf("sentinel: resolution must be positive")
	}
	if s.MaxCloudCoverage < 0 || s.MaxCloudCoverage > 1 {
		return fmt.Errorf("sentinel: maxcloudcoverage must be between 0 and 1")
	}
	if s.LookbackDays < 1 {
		return fmt.Errorf("sentinel: lookbackdays must be at least 1")
	}
	if s.MaxDimension < 1 {
		return fmt.Errorf("sentinel: maxdimension must be at least 1")
	}
	if s.RateLimit <= 0 {
		return fmt.Errorf("sentinel: ratelimit must be positive")
	}
	if s.AreaPrefix == "" {
		return fmt.Errorf("sentinel: areaprefix must not be empty")
	}
	return nil
}

func validateDetectorSettings(s *DetectorSettings) error {
	if err := validateURL(s.URL); err != nil {
		return fmt.Errorf("detector: url %w", err)
	}
	if s.ConfidenceThreshold <= 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("detector: confidencethreshold must be in (0, 1]")
	}
	if s.IoUThreshold <= 0 || s.IoUThreshold > 1 {
		return fmt.Errorf("detector: iouthreshold must be in (0, 1]")
	}
	return nil
}

func validateAnalysisSettings(s *AnalysisSettings) error {
	if s.MaxVehiclesPerKm2 < 1 {
		return fmt.Errorf("analysis: maxvehiclesperkm2 must be at least 1")
	}
	if s.WholeAreaKm2 <= 0 || s.CellAreaKm2 <= 0 {
		return fmt.Errorf("analysis: area values must be positive")
	}
	if s.GridRows < 1 || s.GridCols < 1 {
		return fmt.Errorf("analysis: grid must have at least one row and one column")
	}
	return nil
}

func validateSchedulerSettings(s *SchedulerSettings) error {
	if s.Enabled && s.Interval < minSchedulerInterval {
		return fmt.Errorf("scheduler: interval must be at least %s", minSchedulerInterval)
	}
	return nil
}

func validateJobQueueSettings(s *JobQueueSettings) error {
	if s.MaxJobs < 1 {
		return fmt.Errorf("jobqueue: maxjobs must be at least 1")
	}
	if s.JobTimeout <= 0 {
		return fmt.Errorf("jobqueue: jobtimeout must be positive")
	}
	if s.Retry.MaxRetries < 0 || s.Retry.Multiplier < 1 {
		return fmt.Errorf("jobqueue: retry maxretries must be >= 0 and multiplier >= 1")
	}
	return nil
}

func validateOutputSettings(s *OutputSettings) error {
	enabled := 0
	for _, on := range []bool{s.SQLite.Enabled, s.MySQL.Enabled, s.Postgres.Enabled} {
		if on {
			enabled++
		}
	}
	switch {
	case enabled == 0:
		return fmt.Errorf("output: one datastore must be enabled")
	case enabled > 1:
		return fmt.Errorf("output: only one datastore can be enabled")
	case s.SQLite.Enabled && s.SQLite.Path == "":
		return fmt.Errorf("output: sqlite path must not be empty")
	case s.Postgres.Enabled && s.Postgres.DSN == "":
		return fmt.Errorf("output: postgres dsn must not be empty")
	}
	return nil
}

func validateWebServerSettings(s *WebServerSettings) error {
	if !s.Enabled {
		return nil
	}
	port, err := strconv.Atoi(s.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("webserver: invalid port %q", s.Port)
	}
	if s.CacheTTL < 0 {
		return fmt.Errorf("webserver: cachettl must not be negative")
	}
	return nil
}

func validateMQTTSettings(s *MQTTSettings) error {
	if !s.Enabled {
		return nil
	}
	if err := validateURL(s.Broker); err != nil {
		return fmt.Errorf("mqtt: broker %w", err)
	}
	if s.Topic == "" {
		return fmt.Errorf("mqtt: topic must not be empty")
	}
	return nil
}

func validateNotificationSettings(s *NotificationSettings) error {
	if s.Enabled && len(s.URLs) == 0 {
		return fmt.Errorf("notification: at least one URL is required when enabled")
	}
	return nil
}

func validateURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL, got %q", value)
	}
	return nil
}
