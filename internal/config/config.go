// SPDX-License-Identifier: MIT

// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for every tunable. All overridable via environment.
const (
	DefaultListen             = ":8080"
	DefaultOriginFetchTimeout = 5000 * time.Millisecond
	DefaultDecisionTimeout    = 2000 * time.Millisecond
	DefaultKVTimeout          = 500 * time.Millisecond
	DefaultDBTimeout          = 1000 * time.Millisecond
	DefaultConfigTTL          = 60 * time.Second
)

var ErrInvalidEnv = errors.New("invalid environment value")

// App is the resolved daemon configuration.
type App struct {
	Listen             string
	OriginFetchTimeout time.Duration
	DecisionTimeout    time.Duration
	KVTimeout          time.Duration
	DBTimeout          time.Duration
	ConfigTTL          time.Duration

	RedisAddr     string // empty selects the in-memory KV
	RedisPassword string
	RedisDB       int

	DataDir string // badger state directory
	DBPath  string // sqlite admin database

	APIToken       string
	DevAllowNoAuth bool

	LogLevel string
}

// FromEnv builds an App from the process environment.
func FromEnv() (App, error) {
	app := App{
		Listen:         envString("STITCHD_LISTEN", DefaultListen),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		DataDir:        envString("DATA_DIR", "./data"),
		DBPath:         envString("DB_PATH", "./data/stitchd.db"),
		APIToken:       os.Getenv("API_TOKEN"),
		DevAllowNoAuth: envBool("DEV_ALLOW_NO_AUTH"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
	}

	var err error
	if app.OriginFetchTimeout, err = envMillis("ORIGIN_FETCH_TIMEOUT_MS", DefaultOriginFetchTimeout); err != nil {
		return App{}, err
	}
	if app.DecisionTimeout, err = envMillis("DECISION_TIMEOUT_MS", DefaultDecisionTimeout); err != nil {
		return App{}, err
	}
	if app.KVTimeout, err = envMillis("KV_TIMEOUT_MS", DefaultKVTimeout); err != nil {
		return App{}, err
	}
	if app.DBTimeout, err = envMillis("DB_TIMEOUT_MS", DefaultDBTimeout); err != nil {
		return App{}, err
	}
	if app.ConfigTTL, err = envSeconds("CONFIG_TTL_S", DefaultConfigTTL); err != nil {
		return App{}, err
	}
	if app.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return App{}, err
	}
	return app, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, v)
	}
	return n, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidEnv, key)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidEnv, key)
	}
	return time.Duration(n) * time.Second, nil
}
