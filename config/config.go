/*
Package config loads server configuration.

SOURCES (highest precedence first):
  1. Command-line flags (-port, -db, ...)
  2. Environment variables (PORT, DB_PATH, ...)
  3. Defaults

VARIABLES:
  PORT               HTTP port (8080)
  DB_PATH            SQLite path, ":memory:" for ephemeral (overtime.db)
  LOG_LEVEL          logrus level (info)
  EXPIRY_CRON        comp-time expiry sweep schedule (@every 1h)
  ESCALATION_CRON    approval escalation sweep schedule (@every 5m)
  WINDOW_CRON        on-call window refresh schedule (@every 1m)
  SCHEDULER_ENABLED  run background sweeps (true)
  NEAR_EXPIRY_DAYS   horizon for near-expiry notifications (14)
  CORS_ORIGINS       comma-separated allowed origins
*/
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

const AppName = "overtime-engine"

type Config struct {
	Port             int
	DBPath           string
	LogLevel         string
	ExpiryCron       string
	EscalationCron   string
	WindowCron       string
	SchedulerEnabled bool
	NearExpiryDays   int
	CORSOrigins      []string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:             8080,
		DBPath:           "overtime.db",
		LogLevel:         "info",
		ExpiryCron:       "@every 1h",
		EscalationCron:   "@every 5m",
		WindowCron:       "@every 1m",
		SchedulerEnabled: true,
		NearExpiryDays:   14,
		CORSOrigins:      []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load reads env (through getenv) then args. Cron expressions are parsed
// here so a bad schedule fails at startup rather than when the scheduler
// starts.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.ExpiryCron, "expiry-cron", cfg.ExpiryCron, "Comp-time expiry sweep schedule")
	fs.StringVar(&cfg.EscalationCron, "escalation-cron", cfg.EscalationCron, "Approval escalation sweep schedule")
	fs.StringVar(&cfg.WindowCron, "window-cron", cfg.WindowCron, "On-call window refresh schedule")
	fs.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "Run background sweeps")
	fs.IntVar(&cfg.NearExpiryDays, "near-expiry-days", cfg.NearExpiryDays, "Near-expiry notification horizon in days")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Port = port
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("EXPIRY_CRON"); v != "" {
		c.ExpiryCron = v
	}
	if v := getenv("ESCALATION_CRON"); v != "" {
		c.EscalationCron = v
	}
	if v := getenv("WINDOW_CRON"); v != "" {
		c.WindowCron = v
	}
	if v := getenv("SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCHEDULER_ENABLED: %w", err)
		}
		c.SchedulerEnabled = enabled
	}
	if v := getenv("NEAR_EXPIRY_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NEAR_EXPIRY_DAYS: %w", err)
		}
		c.NearExpiryDays = days
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	return nil
}

// Validate checks ranges and cron syntax.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.NearExpiryDays < 0 {
		return fmt.Errorf("near-expiry days must not be negative, got %d", c.NearExpiryDays)
	}
	for name, spec := range map[string]string{
		"expiry-cron":     c.ExpiryCron,
		"escalation-cron": c.EscalationCron,
		"window-cron":     c.WindowCron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s %q: %w", name, spec, err)
		}
	}
	return nil
}
