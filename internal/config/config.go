// Package config loads the edge configuration: a YAML file with selected
// PANTRY_* environment overrides on top. Durations and sizes are written as
// strings and compiled once at load time.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Cache     Cache     `yaml:"cache"`
	Storage   Storage   `yaml:"storage"`
	Favorites Favorites `yaml:"favorites"`
	MealDB    MealDB    `yaml:"mealdb"`
	Logging   Logging   `yaml:"logging"`

	// compiled
	ScopeURL          *url.URL      `yaml:"-"`
	OriginURL         *url.URL      `yaml:"-"`
	FetchTimeout      time.Duration `yaml:"-"`
	RevalidateTimeout time.Duration `yaml:"-"`
	InstallRetry      time.Duration `yaml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-"`
	MealDBTTL         time.Duration `yaml:"-"`
	StatsEvery        time.Duration `yaml:"-"`
	RAMMax            int64         `yaml:"-"`
	MaxEntry          int64         `yaml:"-"`
	LogLevel          zerolog.Level `yaml:"-"`
}

type Server struct {
	Port int `yaml:"port" env:"PANTRY_PORT"`
	// Scope is the public origin clients address; same-origin requests to it
	// are intercepted. Defaults to http://localhost:<port>.
	Scope string `yaml:"scope" env:"PANTRY_SCOPE"`
	// Origin is where the app shell and /api/* proxy actually run.
	Origin          string `yaml:"origin" env:"PANTRY_ORIGIN"`
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

type Cache struct {
	Prefix            string   `yaml:"prefix" env:"PANTRY_CACHE_PREFIX"`
	Version           string   `yaml:"version" env:"PANTRY_CACHE_VERSION"`
	Manifest          []string `yaml:"manifest"`
	Offline           string   `yaml:"offline"`
	APIPrefix         string   `yaml:"apiPrefix"`
	FetchTimeout      string   `yaml:"fetchTimeout"`
	RevalidateTimeout string   `yaml:"revalidateTimeout"`
	InstallRetry      string   `yaml:"installRetry"`
	MaxEntry          string   `yaml:"maxEntry"`
	MaxBackground     int      `yaml:"maxBackground"`
}

type Storage struct {
	Path string `yaml:"path" env:"PANTRY_STORAGE_PATH"`
	RAM  struct {
		Max string `yaml:"max"`
	} `yaml:"ram"`
}

const (
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"

	DetailsOrigin = "origin"
	DetailsMealDB = "mealdb"
)

type Favorites struct {
	Backend    string `yaml:"backend" env:"PANTRY_FAVORITES_BACKEND"`
	SQLitePath string `yaml:"sqlitePath" env:"PANTRY_FAVORITES_SQLITE"`
	// Details picks where full recipe details come from when favoriting.
	Details    string `yaml:"details"`
	DetailPath string `yaml:"detailPath"`
}

type MealDB struct {
	BaseURL string `yaml:"baseURL" env:"MEALDB_API_BASE"`
	APIKey  string `yaml:"apiKey" env:"MEALDB_API_KEY"`
	TTL     string `yaml:"ttl"`
	// RPS caps upstream requests per second; 0 disables the cap.
	RPS float64 `yaml:"rps"`
}

type Logging struct {
	Level         string `yaml:"level" env:"PANTRY_LOG_LEVEL"`
	Pretty        bool   `yaml:"pretty" env:"PANTRY_LOG_PRETTY"`
	LogStatsEvery string `yaml:"logStatsEvery"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ShutdownTimeout = "10s"
	cfg.Cache = Cache{
		Prefix:  "recipes-pwa",
		Version: "v1",
		Manifest: []string{
			"/",
			"/index.html",
			"/offline.html",
			"/manifest.webmanifest",
			"/icons/pantrypro-logo.png",
			"/icons/icon-192.svg",
			"/icons/icon-512.svg",
		},
		Offline:           "/offline.html",
		APIPrefix:         "/api/",
		FetchTimeout:      "8s",
		RevalidateTimeout: "30s",
		InstallRetry:      "30s",
		MaxEntry:          "5m",
		MaxBackground:     32,
	}
	cfg.Storage.Path = "./data/leveldb"
	cfg.Storage.RAM.Max = "64m"
	cfg.Favorites = Favorites{
		Backend:    BackendLevelDB,
		SQLitePath: "./data/favorites.db",
		Details:    DetailsOrigin,
		DetailPath: "/api/meal/",
	}
	cfg.MealDB = MealDB{
		BaseURL: "https://www.themealdb.com/api/json/v1",
		APIKey:  "1",
		TTL:     "10m",
		RPS:     5,
	}
	cfg.Logging = Logging{Level: "info", LogStatsEvery: "0"}
	return cfg
}

// Load reads path (if non-empty), applies environment overrides, then
// validates and compiles the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	var err error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if c.OriginURL, err = parseOrigin(c.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if c.Server.Scope == "" {
		c.Server.Scope = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.Scope = strings.TrimRight(c.Server.Scope, "/")
	if c.ScopeURL, err = parseOrigin(c.Server.Scope); err != nil {
		return fmt.Errorf("server.scope: %w", err)
	}

	if c.Cache.Prefix == "" || c.Cache.Version == "" {
		return errors.New("cache.prefix and cache.version are required")
	}
	if strings.ContainsRune(c.Cache.Prefix+c.Cache.Version, 0) {
		return errors.New("cache.prefix and cache.version must not contain NUL")
	}
	if len(c.Cache.Manifest) == 0 {
		return errors.New("cache.manifest must not be empty")
	}
	if !slices.Contains(c.Cache.Manifest, c.Cache.Offline) {
		return fmt.Errorf("cache.offline: %q is not in cache.manifest", c.Cache.Offline)
	}
	if !strings.HasPrefix(c.Cache.APIPrefix, "/") {
		return fmt.Errorf("cache.apiPrefix: %q must start with /", c.Cache.APIPrefix)
	}
	if c.Cache.MaxBackground <= 0 {
		return fmt.Errorf("cache.maxBackground: must be positive")
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdownTimeout", c.Server.ShutdownTimeout, &c.ShutdownTimeout},
		{"cache.fetchTimeout", c.Cache.FetchTimeout, &c.FetchTimeout},
		{"cache.revalidateTimeout", c.Cache.RevalidateTimeout, &c.RevalidateTimeout},
		{"cache.installRetry", c.Cache.InstallRetry, &c.InstallRetry},
		{"mealdb.ttl", c.MealDB.TTL, &c.MealDBTTL},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, &c.StatsEvery},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.key)
		}
		*d.dst = v
	}
	if c.InstallRetry == 0 {
		return errors.New("cache.installRetry: must be positive")
	}

	if c.RAMMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if c.MaxEntry, err = parseBytes(c.Cache.MaxEntry); err != nil {
		return fmt.Errorf("cache.maxEntry: %w", err)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}

	switch c.Favorites.Backend {
	case BackendLevelDB:
	case BackendSQLite:
		if c.Favorites.SQLitePath == "" {
			return errors.New("favorites.sqlitePath is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("favorites.backend: %q is not one of leveldb, sqlite", c.Favorites.Backend)
	}
	switch c.Favorites.Details {
	case DetailsOrigin, DetailsMealDB:
	default:
		return fmt.Errorf("favorites.details: %q is not one of origin, mealdb", c.Favorites.Details)
	}

	if c.MealDB.RPS < 0 {
		return errors.New("mealdb.rps: must not be negative")
	}

	level := strings.ToLower(c.Logging.Level)
	if level == "warning" {
		level = "warn"
	}
	if c.LogLevel, err = zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%q must be an http(s) URL", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", raw)
	}
	return u, nil
}
