// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default analysis area, Konya city center
var defaultBBox = []float64{32.4351, 37.8216, 32.5351, 37.9216}

// Sets default values for the configuration.
func setDefaultConfig() {
	setDefaults(viper.GetViper())
}

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "trafficsat")

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/trafficsat.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("sentinel.baseurl", "https://services.sentinel-hub.com")
	v.SetDefault("sentinel.tokenurl", "https://services.sentinel-hub.com/auth/realms/main/protocol/openid-connect/token")
	v.SetDefault("sentinel.collection", "sentinel-2-l2a")
	v.SetDefault("sentinel.resolution", 10.0)
	v.SetDefault("sentinel.maxcloudcoverage", 0.3)
	v.SetDefault("sentinel.lookbackdays", 7)
	v.SetDefault("sentinel.bbox", defaultBBox)
	v.SetDefault("sentinel.areaprefix", "konya")
	v.SetDefault("sentinel.maxdimension", 2500)
	v.SetDefault("sentinel.ratelimit", 1.0)
	v.SetDefault("sentinel.timeout", 60*time.Second)

	v.SetDefault("detector.url", "http://localhost:8000")
	v.SetDefault("detector.model", "yolov8n")
	v.SetDefault("detector.confidencethreshold", 0.25)
	v.SetDefault("detector.iouthreshold", 0.45)
	v.SetDefault("detector.timeout", 120*time.Second)

	v.SetDefault("analysis.maxvehiclesperkm2", 500)
	v.SetDefault("analysis.wholeareakm2", 1.0)
	v.SetDefault("analysis.cellareakm2", 0.1)
	v.SetDefault("analysis.gridrows", 4)
	v.SetDefault("analysis.gridcols", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("scheduler.runonstart", false)

	v.SetDefault("jobqueue.maxjobs", 100)
	v.SetDefault("jobqueue.maxarchived", 200)
	v.SetDefault("jobqueue.jobtimeout", 10*time.Minute)
	v.SetDefault("jobqueue.retry.maxretries", 60)
	v.SetDefault("jobqueue.retry.initialdelay", 5*time.Second)
	v.SetDefault("jobqueue.retry.maxdelay", time.Minute)
	v.SetDefault("jobqueue.retry.multiplier", 2.0)

	v.SetDefault("output.sqlite.enabled", true)
	v.SetDefault("output.sqlite.path", "trafficsat.db")
	v.SetDefault("output.mysql.enabled", false)
	v.SetDefault("output.mysql.username", "trafficsat")
	v.SetDefault("output.mysql.password", "")
	v.SetDefault("output.mysql.host", "localhost")
	v.SetDefault("output.mysql.port", "3306")
	v.SetDefault("output.mysql.database", "trafficsat")
	v.SetDefault("output.postgres.enabled", false)
	v.SetDefault("output.postgres.dsn", "")

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.port", "8080")
	v.SetDefault("webserver.debug", false)
	v.SetDefault("webserver.cachettl", 30*time.Second)
	v.SetDefault("webserver.tokensecret", "")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "trafficsat")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.timeout", 10*time.Second)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.samplerate", 1.0)
}
