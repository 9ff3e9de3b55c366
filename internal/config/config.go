// Copyright 2024-2026 The GrepWise Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/grepwise/grepwise/internal/parser"
	"github.com/grepwise/grepwise/internal/sources"
)

// DirConfig names one scanned log directory.
type DirConfig struct {
	Path      string `mapstructure:"path" validate:"required"`
	Glob      string `mapstructure:"glob"`
	Recursive bool   `mapstructure:"recursive"`
}

// Application configuration
type Config struct {
	DataDir string `mapstructure:"data-dir"`

	HTTP struct {
		Address string `validate:"omitempty,hostname"`
		Port    uint   `validate:"omitempty,port"`
		GinMode string `mapstructure:"gin-mode" validate:"omitempty,oneof=debug release"`
	}

	Index struct {
		Dir            string `mapstructure:"dir"`
		SegmentMaxSize int64  `mapstructure:"segment-max-size" validate:"omitempty,gt=0"`
	}

	Archive struct {
		Dir string `mapstructure:"dir"`
	}

	Intake struct {
		BufferSize      int `mapstructure:"buffer-size" validate:"omitempty,gt=0"`
		BatchSize       int `mapstructure:"batch-size" validate:"omitempty,gt=0"`
		FlushIntervalMs int `mapstructure:"flush-interval-ms" validate:"omitempty,gt=0"`
	}

	Scanner struct {
		Dirs          []DirConfig `mapstructure:"dirs" validate:"dive"`
		PeriodSeconds int         `mapstructure:"period-seconds" validate:"omitempty,gt=0"`
	}

	// initial syslog source; ignored when port is 0
	Syslog struct {
		Port   int                 `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
		Proto  sources.SyslogProto `mapstructure:"proto"`
		Format parser.SyslogFormat `mapstructure:"format"`
	}

	Cache struct {
		Enabled bool  `mapstructure:"enabled"`
		MaxSize int   `mapstructure:"max-size" validate:"omitempty,gt=0"`
		TTLMs   int64 `mapstructure:"ttl-ms" validate:"omitempty,gt=0"`
	}

	Retention struct {
		SweepPeriodMinutes int `mapstructure:"sweep-period-minutes" validate:"omitempty,gt=0"`
	}

	Alarms struct {
		TickSeconds int `mapstructure:"tick-seconds" validate:"omitempty,gt=0"`
	}

	Redaction struct {
		ConfigPath string `mapstructure:"config"`
	}

	// logging options
	Logging struct {
		// enable logging
		Enabled bool

		// log level
		Level string `validate:"oneof=debug info warn error disabled"`

		// log format
		Format string `validate:"oneof=json pretty"`

		// access-log options
		AccessLog struct {
			// enable access-log
			Enabled bool
		} `mapstructure:"access-log"`
	}
}

// Validate config
func (cfg *Config) validate() error {
	return validator.New().Struct(cfg)
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.DataDir = "data"

	cfg.HTTP.Address = ""
	cfg.HTTP.Port = 8080
	cfg.HTTP.GinMode = "release"

	cfg.Index.Dir = ""
	cfg.Index.SegmentMaxSize = 64 * 1024 * 1024

	cfg.Archive.Dir = ""

	cfg.Intake.BufferSize = 10000
	cfg.Intake.BatchSize = 1024
	cfg.Intake.FlushIntervalMs = 250

	cfg.Scanner.Dirs = []DirConfig{}
	cfg.Scanner.PeriodSeconds = 5

	cfg.Syslog.Port = 0
	cfg.Syslog.Proto = sources.ProtoUDP
	cfg.Syslog.Format = parser.SyslogFormatRFC5424

	cfg.Cache.Enabled = true
	cfg.Cache.MaxSize = 1024
	cfg.Cache.TTLMs = 60000

	cfg.Retention.SweepPeriodMinutes = 5

	cfg.Alarms.TickSeconds = 30

	cfg.Redaction.ConfigPath = ""

	cfg.Logging.Enabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AccessLog.Enabled = true

	return cfg
}

// IndexDir resolves the index directory against data-dir.
func (cfg *Config) IndexDir() string {
	if cfg.Index.Dir != "" {
		return cfg.Index.Dir
	}
	return filepath.Join(cfg.DataDir, "index")
}

// ArchiveDir resolves the archive directory against data-dir.
func (cfg *Config) ArchiveDir() string {
	if cfg.Archive.Dir != "" {
		return cfg.Archive.Dir
	}
	return filepath.Join(cfg.DataDir, "archives")
}

// Custom unmarshaler for SyslogProto
func syslogProtoDecodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != reflect.TypeOf(sources.SyslogProto("")) {
		return data, nil
	}
	proto, ok := sources.ParseSyslogProto(data.(string))
	if !ok {
		return nil, fmt.Errorf("invalid SyslogProto value: %s", data)
	}
	return proto, nil
}

// Custom unmarshaler for SyslogFormat
func syslogFormatDecodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != reflect.TypeOf(parser.SyslogFormat("")) {
		return data, nil
	}
	format, ok := parser.ParseSyslogFormat(data.(string))
	if !ok {
		return nil, fmt.Errorf("invalid SyslogFormat value: %s", data)
	}
	return format, nil
}

// Custom unmarshaler for scanner dirs: accepts the LOG_DIRS comma-separated
// form "path[:glob[:recursive]]" next to the structured YAML list.
func dirListDecodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != reflect.TypeOf([]DirConfig{}) {
		return data, nil
	}

	var dirs []DirConfig
	for _, entry := range strings.Split(data.(string), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		d := DirConfig{Path: parts[0]}
		if len(parts) > 1 && parts[1] != "" {
			d.Glob = parts[1]
		}
		if len(parts) > 2 {
			d.Recursive = strings.EqualFold(parts[2], "true") || parts[2] == "1"
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}

// envBindings maps flat environment variables onto config keys.
var envBindings = map[string]string{
	"scanner.dirs":     "LOG_DIRS",
	"syslog.port":      "SYSLOG_PORT",
	"syslog.proto":     "SYSLOG_PROTO",
	"syslog.format":    "SYSLOG_FORMAT",
	"index.dir":        "INDEX_DIR",
	"archive.dir":      "ARCHIVE_DIR",
	"cache.max-size":   "CACHE_MAX_SIZE",
	"cache.ttl-ms":     "CACHE_TTL_MS",
	"cache.enabled":    "CACHE_ENABLED",
	"redaction.config": "REDACTION_CONFIG",
}

func NewConfig(v *viper.Viper, f string) (*Config, error) {
	if f != "" {
		// read contents
		configBytes, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}

		// expand env vars
		configBytes = []byte(os.ExpandEnv(string(configBytes)))

		// load into viper
		v.SetConfigType(filepath.Ext(f)[1:])
		if err := v.ReadConfig(bytes.NewBuffer(configBytes)); err != nil {
			return nil, err
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()

	// unmarshal
	hookFunc := mapstructure.ComposeDecodeHookFunc(
		syslogProtoDecodeHook,
		syslogFormatDecodeHook,
		dirListDecodeHook,
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(hookFunc)); err != nil {
		return nil, err
	}

	// validate config
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Logging options
type LoggerOptions struct {
	Enabled bool
	Level   string
	Format  string
}

var configureLoggerOnce sync.Once

func ConfigureLogger(opts LoggerOptions) {
	// ensure this will only be called once
	configureLoggerOnce.Do(func() {
		if !opts.Enabled {
			zlog.Logger = zerolog.Nop()
			log.SetOutput(io.Discard)
			return
		}

		// global settings
		zerolog.TimestampFunc = func() time.Time {
			return time.Now().UTC()
		}
		zerolog.TimeFieldFormat = time.RFC3339Nano
		zerolog.DurationFieldUnit = time.Millisecond

		// set log level
		level, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			panic(err)
		}
		zerolog.SetGlobalLevel(level)

		// configure output format
		if opts.Format == "pretty" {
			zlog.Logger = zlog.Logger.Output(zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339Nano,
			})
		}
	})
}
