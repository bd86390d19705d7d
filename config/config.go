// Package config loads server configuration from the environment and flags.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// MemoryDB selects the in-memory substrate instead of a SQLite file.
const MemoryDB = "memory"

// Config holds application configuration values.
type Config struct {
	HTTPPort    int
	DBPath      string
	LogLevel    string
	CORSOrigins []string

	// Warnings collects values that were rejected in favour of defaults.
	Warnings []string
}

func defaults() Config {
	return Config{
		HTTPPort:    8080,
		DBPath:      "hospital.db",
		LogLevel:    "info",
		CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load reads .env (if present), then environment variables, then
// command-line args. Later sources win.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.Getenv, args)
}

func load(getenv func(string) string, args []string) (Config, error) {
	cfg := defaults()

	if v := getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("invalid HTTP_PORT value %q, defaulting to %d", v, cfg.HTTPPort))
		} else {
			cfg.HTTPPort = port
		}
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path ("memory" for in-memory)`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
