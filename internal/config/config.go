package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Results  ResultsConfig  `json:"results"`
	Worker   WorkerConfig   `json:"worker"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// ResultsConfig points at the static tables and tunes the result service.
// Empty paths select the built-in tables.
type ResultsConfig struct {
	Locale       string        `json:"locale"`
	TaxonomyPath string        `json:"taxonomy_path"`
	CrossMapPath string        `json:"cross_map_path"`
	RulesPath    string        `json:"rules_path"`
	LabelsPath   string        `json:"labels_path"`
	CacheTTL     time.Duration `json:"cache_ttl"`
}

// WorkerConfig configures the snapshot worker
type WorkerConfig struct {
	Schedule      string        `json:"schedule"`
	StudyIDs      []string      `json:"study_ids"`
	MaxConcurrent int           `json:"max_concurrent"`
	Timeout       time.Duration `json:"timeout"`
	RunOnStart    bool          `json:"run_on_start"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Default config
	config := &Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "bilan_carbone",
			SSLMode:        "disable",
			MaxConnections: 10,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Results: ResultsConfig{
			Locale:   "fr",
			CacheTTL: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Schedule:      "0 */15 * * * *",
			MaxConcurrent: 5,
			Timeout:       5 * time.Minute,
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func overrideWithEnv(config *Config) {
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = p
		}
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if sslMode := os.Getenv("DATABASE_SSLMODE"); sslMode != "" {
		config.Database.SSLMode = sslMode
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if locale := os.Getenv("RESULTS_LOCALE"); locale != "" {
		config.Results.Locale = locale
	}
	if path := os.Getenv("RESULTS_TAXONOMY_PATH"); path != "" {
		config.Results.TaxonomyPath = path
	}
	if path := os.Getenv("RESULTS_CROSS_MAP_PATH"); path != "" {
		config.Results.CrossMapPath = path
	}
	if path := os.Getenv("RESULTS_RULES_PATH"); path != "" {
		config.Results.RulesPath = path
	}
	if path := os.Getenv("RESULTS_LABELS_PATH"); path != "" {
		config.Results.LabelsPath = path
	}
	if ttl := os.Getenv("RESULTS_CACHE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Results.CacheTTL = d
		}
	}

	if schedule := os.Getenv("WORKER_SCHEDULE"); schedule != "" {
		config.Worker.Schedule = schedule
	}
	if ids := os.Getenv("WORKER_STUDY_IDS"); ids != "" {
		config.Worker.StudyIDs = splitList(ids)
	}
	if maxConcurrent := os.Getenv("WORKER_MAX_CONCURRENT"); maxConcurrent != "" {
		if n, err := strconv.Atoi(maxConcurrent); err == nil {
			config.Worker.MaxConcurrent = n
		}
	}
	if runOnStart := os.Getenv("WORKER_RUN_ON_START"); runOnStart != "" {
		if b, err := strconv.ParseBool(runOnStart); err == nil {
			config.Worker.RunOnStart = b
		}
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

// Validate checks the values the worker cannot start without
func (c *Config) Validate() error {
	if c.Database.Port <= 0 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Worker.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid worker max_concurrent: %d", c.Worker.MaxConcurrent)
	}
	if c.Worker.Schedule == "" {
		return fmt.Errorf("worker schedule is required")
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}
