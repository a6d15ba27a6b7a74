// adlaunch/config/config.go
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin              string        `mapstructure:"FF_BIN"`
	FFTimeout          time.Duration `mapstructure:"FF_TIMEOUT"`
	FFThumbArgs        string        `mapstructure:"FF_THUMB_ARGS"`
	MaxWorkers         int           `mapstructure:"MAX_WORKERS"`
	MaxConcurrentTasks int           `mapstructure:"MAX_CONCURRENT_TASKS"`
	ProgressInterval   time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	PollInitial        time.Duration `mapstructure:"POLL_INITIAL"`
	PollStep           time.Duration `mapstructure:"POLL_STEP"`
	PollMax            time.Duration `mapstructure:"POLL_MAX"`
	PollTimeout        time.Duration `mapstructure:"POLL_TIMEOUT"`
	UploadDir          string        `mapstructure:"UPLOAD_DIR"`
	UploadLifetime     time.Duration `mapstructure:"UPLOAD_LIFETIME"`
	MaxUploadSize      int64         `mapstructure:"MAX_UPLOAD_SIZE"`
	ThrottleCPU        float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem    int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk   int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable         bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey            string        `mapstructure:"AUTH_KEY"`
	Port               string        `mapstructure:"PORT"`
	GraphURL           string        `mapstructure:"GRAPH_URL"`
	GraphVideoURL      string        `mapstructure:"GRAPH_VIDEO_URL"`
	GraphVersion       string        `mapstructure:"GRAPH_VERSION"`
	GraphTimeout       time.Duration `mapstructure:"GRAPH_TIMEOUT"`
	TZCacheTTL         time.Duration `mapstructure:"TZ_CACHE_TTL"`
	EventHistory       int           `mapstructure:"EVENT_HISTORY"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	// Defaults are strings where a hook does the parsing.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "2m")
	vp.SetDefault("FF_THUMB_ARGS", "")
	vp.SetDefault("MAX_WORKERS", 10)
	vp.SetDefault("MAX_CONCURRENT_TASKS", 4)
	vp.SetDefault("PROGRESS_INTERVAL", "500ms")
	vp.SetDefault("POLL_INITIAL", "5s")
	vp.SetDefault("POLL_STEP", "5s")
	vp.SetDefault("POLL_MAX", "30s")
	vp.SetDefault("POLL_TIMEOUT", "10m")
	vp.SetDefault("UPLOAD_DIR", "temp_uploads")
	vp.SetDefault("UPLOAD_LIFETIME", "1h")
	vp.SetDefault("MAX_UPLOAD_SIZE", "2GB")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("PORT", "5000")
	vp.SetDefault("GRAPH_URL", "https://graph.facebook.com")
	vp.SetDefault("GRAPH_VIDEO_URL", "https://graph-video.facebook.com")
	vp.SetDefault("GRAPH_VERSION", "v19.0")
	vp.SetDefault("GRAPH_TIMEOUT", "5m")
	vp.SetDefault("TZ_CACHE_TTL", "1h")
	vp.SetDefault("EVENT_HISTORY", 1000)
	vp.SetDefault("LOG_LEVEL", "info")
}

// Load reads the configuration from defaults, an optional yaml file and
// ADLAUNCH_ prefixed environment variables, in increasing precedence.
// An empty configFile searches the working directory and /etc/adlaunch/.
func Load(configFile string) (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	if configFile != "" {
		vp.SetConfigFile(configFile)
	} else {
		vp.SetConfigName("adlaunch_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/adlaunch/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("ADLAUNCH")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings that would leave the service unable to run
// tasks.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.MaxConcurrentTasks < 1 {
		errs = multierror.Append(errs, fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1, got %d", c.MaxConcurrentTasks))
	}
	if c.MaxWorkers < 1 {
		errs = multierror.Append(errs, fmt.Errorf("MAX_WORKERS must be at least 1, got %d", c.MaxWorkers))
	}
	if c.PollInitial <= 0 || c.PollTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("POLL_INITIAL and POLL_TIMEOUT must be positive"))
	}
	if c.AuthEnable && c.AuthKey == "" {
		errs = multierror.Append(errs, errors.New("AUTH_KEY is required when AUTH_ENABLE is set"))
	}
	return errs.ErrorOrNil()
}
