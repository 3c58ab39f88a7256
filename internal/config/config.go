// Package config loads isoai client configuration from the environment.
// An optional .env file is read first; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultEndpoint      = "ws://localhost:8090/ws/infer"
	DefaultAPIBaseURL    = "http://localhost:8000"
	DefaultDashboardPort = 8080
	DefaultPrefsPath     = ".isoai/prefs.json"
)

// Channel is the transport channel configuration.
type Channel struct {
	Endpoint      string
	AuthHeaders   map[string]string
	TransportMode string // "websocket", "socketio", "http"
	Profile       string // legacy view profile, e.g. "recognition"

	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
}

// Capture is the frame capture configuration.
type Capture struct {
	Period  time.Duration
	Width   int
	Height  int
	Quality int
	Format  string // "jpeg" or "png"
	Device  int    // camera index
}

// App is the full client configuration.
type App struct {
	Channel Channel
	Capture Capture

	APIBaseURL string
	APIToken   string
	APITimeout time.Duration

	DashboardPort int
	PrefsPath     string

	LogLevel  string
	LogFormat string
}

// Load reads an optional env file (ignored when missing) and builds the config.
// Pass "" to use ./.env.
func Load(envFile string) (*App, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(), nil
}

// FromEnv builds the config from environment variables only.
func FromEnv() *App {
	return &App{
		Channel: Channel{
			Endpoint:             getEnv("ISOAI_CHANNEL_ENDPOINT", DefaultEndpoint),
			AuthHeaders:          ParseHeaders(os.Getenv("ISOAI_CHANNEL_HEADERS")),
			TransportMode:        getEnv("ISOAI_CHANNEL_MODE", "websocket"),
			Profile:              getEnv("ISOAI_CHANNEL_PROFILE", "recognition"),
			ReconnectInitial:     getEnvAsDuration("ISOAI_RECONNECT_INITIAL", time.Second),
			ReconnectMax:         getEnvAsDuration("ISOAI_RECONNECT_MAX", 30*time.Second),
			ReconnectMaxAttempts: getEnvAsInt("ISOAI_RECONNECT_ATTEMPTS", 10),
		},
		Capture: Capture{
			Period:  getEnvAsDuration("ISOAI_CAPTURE_PERIOD", 100*time.Millisecond),
			Width:   getEnvAsInt("ISOAI_CAPTURE_WIDTH", 640),
			Height:  getEnvAsInt("ISOAI_CAPTURE_HEIGHT", 480),
			Quality: getEnvAsInt("ISOAI_CAPTURE_QUALITY", 80),
			Format:  getEnv("ISOAI_CAPTURE_FORMAT", "jpeg"),
			Device:  getEnvAsInt("ISOAI_CAPTURE_DEVICE", 0),
		},
		APIBaseURL:    getEnv("ISOAI_API_URL", DefaultAPIBaseURL),
		APIToken:      os.Getenv("ISOAI_API_TOKEN"),
		APITimeout:    getEnvAsDuration("ISOAI_API_TIMEOUT", 30*time.Second),
		DashboardPort: getEnvAsInt("PORT", DefaultDashboardPort),
		PrefsPath:     getEnv("ISOAI_PREFS_PATH", DefaultPrefsPath),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     os.Getenv("LOG_FORMAT"),
	}
}

// Validate checks the configuration and reports every problem found.
func (a *App) Validate() error {
	var errs []error

	if a.Channel.Endpoint == "" {
		errs = append(errs, errors.New("channel endpoint is required"))
	}
	switch a.Channel.TransportMode {
	case "websocket", "socketio", "http":
	default:
		errs = append(errs, fmt.Errorf("transport mode must be websocket, socketio or http, got %q", a.Channel.TransportMode))
	}
	if a.Channel.ReconnectInitial <= 0 || a.Channel.ReconnectMax < a.Channel.ReconnectInitial {
		errs = append(errs, errors.New("reconnect delays must be positive and max >= initial"))
	}
	if a.Capture.Period <= 0 {
		errs = append(errs, errors.New("capture period must be positive"))
	}
	if a.Capture.Width <= 0 || a.Capture.Height <= 0 {
		errs = append(errs, errors.New("capture width and height must be positive"))
	}
	if a.Capture.Quality < 1 || a.Capture.Quality > 100 {
		errs = append(errs, errors.New("capture quality must be between 1 and 100"))
	}
	if a.Capture.Format != "jpeg" && a.Capture.Format != "png" {
		errs = append(errs, fmt.Errorf("capture format must be jpeg or png, got %q", a.Capture.Format))
	}
	if a.DashboardPort <= 0 || a.DashboardPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid dashboard port %d", a.DashboardPort))
	}

	return errors.Join(errs...)
}

// ParseHeaders parses "Key=Value,Key2=Value2" into a map. Malformed pairs are skipped.
func ParseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("500ms") or bare milliseconds ("500").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
