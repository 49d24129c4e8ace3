// Package config assembles OxideDB's runtime configuration from defaults, an
// optional config file, environment variables, and command-line flags, in
// that order of increasing priority. Grounded on the pack's
// pkg/config.Load (a viper instance fed from a .env file plus a prefixed
// environment-variable walk), generalized here to viper's own layered
// ReadInConfig/AutomaticEnv/BindPFlags instead of a hand-rolled os.Environ
// loop, since OxideDB also needs CLI flags as a layer pkg/config never had.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fcoury/oxidedb/internal/shadow"
)

// ShadowConfig controls the optional shadow-traffic comparator (spec.md
// §4.H). An empty UpstreamAddr leaves shadowing disabled.
type ShadowConfig struct {
	UpstreamAddr   string        `mapstructure:"upstream-addr"`
	SampleRate     float64       `mapstructure:"sample-rate"`
	Deterministic  bool          `mapstructure:"deterministic"`
	DBPrefix       string        `mapstructure:"db-prefix"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CompareAndFail bool          `mapstructure:"compare-and-fail"`
}

// ToComparatorConfig adapts the on-disk/env/flag shape into the shadow
// package's own Config, filling in the ignore lists from DefaultConfig since
// those aren't expected to be operator-tunable.
func (s ShadowConfig) ToComparatorConfig() shadow.Config {
	cfg := shadow.DefaultConfig()
	cfg.UpstreamAddr = s.UpstreamAddr
	cfg.SampleRate = s.SampleRate
	cfg.Deterministic = s.Deterministic
	cfg.DBPrefix = s.DBPrefix
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	if s.CompareAndFail {
		cfg.Mode = shadow.CompareAndFail
	}
	return cfg
}

// Config is the full set of knobs cmd/oxidedb wires into the rest of the
// server.
type Config struct {
	ListenAddr string `mapstructure:"listen-addr"`
	AdminAddr  string `mapstructure:"admin-addr"`

	PostgresDSN     string `mapstructure:"postgres-dsn"`
	MaxConns        int32  `mapstructure:"max-conns"`
	SchemaCacheSize int    `mapstructure:"schema-cache-size"`

	DefaultBatchSize  int32         `mapstructure:"default-batch-size"`
	CursorIdleTimeout time.Duration `mapstructure:"cursor-idle-timeout"`
	TxnTimeout        time.Duration `mapstructure:"txn-timeout"`
	SessionIdleTTL    time.Duration `mapstructure:"session-idle-ttl"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	TLSCert string `mapstructure:"tls-cert"`
	TLSKey  string `mapstructure:"tls-key"`

	Shadow ShadowConfig `mapstructure:"shadow"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen-addr", ":27017")
	v.SetDefault("admin-addr", ":9090")

	v.SetDefault("postgres-dsn", "postgres://localhost:5432/oxidedb?sslmode=disable")
	v.SetDefault("max-conns", int32(10))
	v.SetDefault("schema-cache-size", 256)

	v.SetDefault("default-batch-size", int32(101))
	v.SetDefault("cursor-idle-timeout", 10*time.Minute)
	v.SetDefault("txn-timeout", 60*time.Second)
	v.SetDefault("session-idle-ttl", 30*time.Minute)

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")

	v.SetDefault("shadow.sample-rate", 0.0)
	v.SetDefault("shadow.timeout", 2*time.Second)
}

// Load layers defaults, an optional config file, OXIDEDB_-prefixed
// environment variables, and finally flags (highest priority) into a
// Config. configFile may be empty, in which case a file named oxidedb (with
// any extension viper supports) in the working directory or /etc/oxidedb is
// used if present. Either way a missing file is not an error, same as
// pkg/config.Load treating its .env file as optional.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("oxidedb")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/oxidedb")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("OXIDEDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
