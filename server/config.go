package server

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chrisvdg/staticserver/resolver"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables that override configuration keys,
// e.g. STATICSERVER_PORT=9000
const EnvPrefix = "STATICSERVER"

const (
	// OverloadQueue makes connections over the ceiling wait for a free slot
	OverloadQueue = "queue"
	// OverloadReject answers connections over the ceiling with a 503
	OverloadReject = "reject"
)

// Config represents a server config
type Config struct {
	Root       string   `mapstructure:"root" validate:"required"`
	Bind       string   `mapstructure:"bind"`
	Port       int      `mapstructure:"port" validate:"gte=0,lte=65535"`
	IndexFiles []string `mapstructure:"index" validate:"dive,required,excludesall=/\\"`

	// MaxConns is the concurrency ceiling, zero disables it
	MaxConns          int           `mapstructure:"max_conns" validate:"gte=0"`
	Overload          string        `mapstructure:"overload" validate:"oneof=queue reject"`
	QueueTimeout      time.Duration `mapstructure:"queue_timeout" validate:"gte=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gte=0"`
	GracePeriod       time.Duration `mapstructure:"grace" validate:"gte=0"`

	CacheSize  int64         `mapstructure:"cache_size" validate:"gte=0"`
	Revalidate time.Duration `mapstructure:"revalidate" validate:"gte=0"`
	Watch      bool          `mapstructure:"watch"`

	Listing        bool   `mapstructure:"listing"`
	FollowSymlinks bool   `mapstructure:"follow_symlinks"`
	NotFoundPage   string `mapstructure:"not_found_page" validate:"excludesall=\\"`
	CORS           string `mapstructure:"cors"`
	// MaxAge is the Cache-Control max-age in seconds, negative disables the header
	MaxAge int `mapstructure:"max_age"`

	// RateLimit is the sustained request rate per second, zero disables limiting
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`

	// Open opens the served address in the default browser once bound
	Open bool `mapstructure:"open"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=text json"`
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

var defaults = map[string]interface{}{
	"bind":                "127.0.0.1",
	"port":                8080,
	"index":               resolver.DefaultIndexFiles,
	"max_conns":           1024,
	"overload":            OverloadQueue,
	"queue_timeout":       time.Second,
	"idle_timeout":        60 * time.Second,
	"read_header_timeout": 10 * time.Second,
	"grace":               10 * time.Second,
	"cache_size":          10000,
	"revalidate":          2 * time.Second,
	"watch":               false,
	"listing":             false,
	"follow_symlinks":     false,
	"not_found_page":      "404.html",
	"cors":                "*",
	"max_age":             3600,
	"rate_limit":          0,
	"rate_burst":          0,
	"open":                false,
	"metrics_addr":        "",
	"log_level":           "info",
	"log_format":          "text",
	"root":                ".",
}

var validate = validator.New()

// LoadConfig builds a Config from defaults, an optional config file,
// environment variables and changed flags, in increasing order of precedence.
// Flag names map onto config keys with dashes replaced by underscores.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, ok := defaults[key]; !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, errors.Wrap(bindErr, "failed to bind flags")
		}
	}

	c := &Config{}
	err := v.Unmarshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks c and makes the root path absolute
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err != nil {
		return formatValidationError(err)
	}

	root, err := filepath.Abs(c.Root)
	if err != nil {
		return errors.Wrap(err, "failed to get absolute root path")
	}
	info, err := os.Stat(root)
	if err != nil {
		return errors.Wrap(err, "invalid root directory")
	}
	if !info.IsDir() {
		return errors.Errorf("root %s is not a directory", root)
	}
	c.Root = root

	if c.MetricsAddr != "" {
		_, _, err = net.SplitHostPort(c.MetricsAddr)
		if err != nil {
			return errors.Wrap(err, "invalid metrics address")
		}
	}

	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return errors.Errorf("config: %s failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}

	return errors.Wrap(err, "config validation failed")
}
