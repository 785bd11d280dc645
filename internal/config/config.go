// Package config loads surveycore settings from a TOML file with
// SURVEYCORE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Tables  TablesConfig  `toml:"tables"`
	Archive ArchiveConfig `toml:"archive"`
	Mirror  MirrorConfig  `toml:"mirror"`
	Log     LogConfig     `toml:"log"`
	Ingest  IngestConfig  `toml:"ingest"`
}

type TablesConfig struct {
	Records string `toml:"records"`
	Demo    string `toml:"demo"`
}

// ArchiveConfig selects where table snapshots are published.
// Driver is one of fs, s3, memory or none.
type ArchiveConfig struct {
	Driver    string `toml:"driver"`
	Root      string `toml:"root"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	PathStyle bool   `toml:"path_style"`
	OnCommit  bool   `toml:"on_commit"`
}

// MirrorConfig selects the relational mirror: none, sqlite or postgres.
type MirrorConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type IngestConfig struct {
	UTCOffsetHours int `toml:"utc_offset_hours"`
}

func DefaultConfig() *Config {
	return &Config{
		Tables: TablesConfig{
			Records: "data/records.csv",
			Demo:    "data/demo_records.csv",
		},
		Archive: ArchiveConfig{
			Driver: "none",
			Root:   "data/archive",
			Region: "us-east-1",
		},
		Mirror: MirrorConfig{
			Driver: "none",
			Path:   "data/mirror.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Ingest: IngestConfig{
			UTCOffsetHours: 9, // JST
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables:
//
//	SURVEYCORE_RECORDS_PATH, SURVEYCORE_DEMO_PATH
//	SURVEYCORE_ARCHIVE_DRIVER=fs|s3|memory|none
//	SURVEYCORE_ARCHIVE_FS_ROOT
//	SURVEYCORE_ARCHIVE_S3_BUCKET, SURVEYCORE_ARCHIVE_S3_REGION,
//	SURVEYCORE_ARCHIVE_S3_ENDPOINT, SURVEYCORE_ARCHIVE_S3_PATH_STYLE=true|false
//	SURVEYCORE_MIRROR_DRIVER=none|sqlite|postgres
//	SURVEYCORE_MIRROR_SQLITE_PATH, SURVEYCORE_MIRROR_POSTGRES_DSN
//	SURVEYCORE_LOG_LEVEL, SURVEYCORE_UTC_OFFSET_HOURS
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("SURVEYCORE_RECORDS_PATH", &c.Tables.Records)
	str("SURVEYCORE_DEMO_PATH", &c.Tables.Demo)
	str("SURVEYCORE_ARCHIVE_DRIVER", &c.Archive.Driver)
	str("SURVEYCORE_ARCHIVE_FS_ROOT", &c.Archive.Root)
	str("SURVEYCORE_ARCHIVE_S3_BUCKET", &c.Archive.Bucket)
	str("SURVEYCORE_ARCHIVE_S3_REGION", &c.Archive.Region)
	str("SURVEYCORE_ARCHIVE_S3_ENDPOINT", &c.Archive.Endpoint)
	str("SURVEYCORE_MIRROR_DRIVER", &c.Mirror.Driver)
	str("SURVEYCORE_MIRROR_SQLITE_PATH", &c.Mirror.Path)
	str("SURVEYCORE_MIRROR_POSTGRES_DSN", &c.Mirror.DSN)
	str("SURVEYCORE_LOG_LEVEL", &c.Log.Level)
	if v := getenv("SURVEYCORE_ARCHIVE_S3_PATH_STYLE"); v != "" {
		c.Archive.PathStyle = strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(getenv("SURVEYCORE_UTC_OFFSET_HOURS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SURVEYCORE_UTC_OFFSET_HOURS: %w", err)
		}
		c.Ingest.UTCOffsetHours = n
	}
	return nil
}
