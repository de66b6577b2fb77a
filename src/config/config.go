// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config collects every knob the hub reads from the environment.
type Config struct {
	HubHost string
	HubPort string

	// MaxConcurrentTasks is the default per-node dispatch limit; a node may
	// override it with its declared capabilities.
	MaxConcurrentTasks int

	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SchedulerInterval time.Duration
	ExpiryInterval    time.Duration

	// MinHealthScore is the scheduling eligibility floor (0-100).
	MinHealthScore float64

	DispatchTimeout time.Duration

	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		HubHost:            getEnv("HUB_HOST", "localhost"),
		HubPort:            getEnv("HUB_PORT", "8000"),
		MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", 5),
		TaskTimeout:        getEnvSeconds("TASK_TIMEOUT_SECONDS", 300),
		HeartbeatInterval:  getEnvSeconds("HEARTBEAT_INTERVAL_SECONDS", 10),
		SchedulerInterval:  getEnvSeconds("SCHEDULER_INTERVAL_SECONDS", 5),
		ExpiryInterval:     getEnvSeconds("EXPIRY_INTERVAL_SECONDS", 5),
		MinHealthScore:     getEnvFloat("MIN_HEALTH_SCORE", 25),
		DispatchTimeout:    getEnvSeconds("DISPATCH_TIMEOUT_SECONDS", 10),
		DBUser:             os.Getenv("DB_USER"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBName:             os.Getenv("DB_NAME"),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             getEnv("DB_PORT", "5432"),
	}

	// Timeout defaults to 3x the heartbeat tick, matching how the monitor is
	// expected to observe at least two missed beats before demoting a node.
	cfg.HeartbeatTimeout = getEnvSeconds("HEARTBEAT_TIMEOUT_SECONDS",
		int(cfg.HeartbeatInterval/time.Second)*3)

	return cfg
}

// ArchiveDSN returns the Postgres connection string for the task archive, or
// "" when no database is configured and the hub should run memory-only.
func (c Config) ArchiveDSN() string {
	if c.DBUser == "" || c.DBName == "" {
		return ""
	}
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=require",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
