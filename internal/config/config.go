package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// HTTPAddress is where the local stub backend listens when enabled.
	HTTPAddress string
	// LocalStub runs an in-process stub backend for development.
	LocalStub bool

	BackendBaseURL string
	StatusWSURL    string
	SignalingWSURL string
	ICEServersJSON string

	AgentKey   string
	StoreID    string
	CustomerID string

	PreferredMode string
	DisableVAD    bool

	SpeechThreshold  float64
	SilenceThreshold float64

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ResponseTimeout      time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	base := os.Getenv("BACKEND_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	wsURL := os.Getenv("STATUS_WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:8080/ws"
	}
	signaling := os.Getenv("SIGNALING_WS_URL")
	if signaling == "" {
		signaling = "ws://localhost:8080/rtc"
	}

	agentKey := os.Getenv("AGENT_KEY")
	if agentKey == "" {
		log.Println("Warning: AGENT_KEY not set - backend may reject requests")
	}

	mode := os.Getenv("PREFERRED_MODE")
	if mode != "voice" {
		mode = "text"
	}

	cfg := Config{
		HTTPAddress:          addr,
		LocalStub:            boolEnv("LOCAL_STUB", false),
		BackendBaseURL:       base,
		StatusWSURL:          wsURL,
		SignalingWSURL:       signaling,
		ICEServersJSON:       os.Getenv("ICE_SERVERS_JSON"),
		AgentKey:             agentKey,
		StoreID:              os.Getenv("STORE_ID"),
		CustomerID:           os.Getenv("CUSTOMER_ID"),
		PreferredMode:        mode,
		DisableVAD:           boolEnv("DISABLE_VAD", false),
		SpeechThreshold:      floatEnv("SPEECH_THRESHOLD", 0.01),
		SilenceThreshold:     floatEnv("SILENCE_THRESHOLD", 0.004),
		ReconnectMaxAttempts: intEnv("RECONNECT_MAX_ATTEMPTS", 3),
		ReconnectBaseDelay:   durationEnv("RECONNECT_BASE_DELAY_MS", time.Second),
		ResponseTimeout:      durationEnv("RESPONSE_TIMEOUT_MS", 30*time.Second),
	}
	log.Printf("config: BACKEND_BASE_URL=%s STATUS_WS_URL=%s mode=%s", cfg.BackendBaseURL, cfg.StatusWSURL, cfg.PreferredMode)
	return cfg
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not a bool, using %v", key, v, def)
		return def
	}
	return b
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("Warning: %s=%q is not a positive int, using %d", key, v, def)
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("Warning: %s=%q is not a positive float, using %g", key, v, def)
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("Warning: %s=%q is not a positive millisecond count, using %s", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
