package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the avatar chat service.
type Config struct {
	BindAddr                 string
	MetricsNamespace         string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionCapacity          int
	SweepInterval            time.Duration
	AllowAnyOrigin           bool
	LogLevel                 string

	DatabaseURL string
	HistoryKeep int

	VADProvider    string
	ASRProvider    string
	LLMProvider    string
	TTSProvider    string
	AvatarProvider string

	LLMAPIBase      string
	LLMAPIKey       string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64
	LLMSystemPrompt string

	TTSVoice         string
	TTSSampleRate    int
	AvatarFPS        int
	SilenceThreshold float64
	Language         string
	IdleFrameCount   int

	PlayerIdleTickHz  int
	PlayerMinFPS      int
	PlayerMaxFPS      int
	PlayerFallbackFPS int
	PlayerBlendFrames int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "avachat"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		HistoryKeep:      50,

		VADProvider:    envOrDefault("VAD_PROVIDER", "energy"),
		ASRProvider:    envOrDefault("ASR_PROVIDER", "mock"),
		LLMProvider:    envOrDefault("LLM_PROVIDER", "mock"),
		TTSProvider:    envOrDefault("TTS_PROVIDER", "mock"),
		AvatarProvider: envOrDefault("AVATAR_PROVIDER", "mock"),

		LLMAPIBase: envTrimmed("LLM_API_BASE"),
		LLMAPIKey:  envTrimmed("LLM_API_KEY"),
		LLMModel:   envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		LLMSystemPrompt: envOrDefault("LLM_SYSTEM_PROMPT",
			"Jesteś pomocnym asystentem. Odpowiadaj krótko i naturalnie."),
		LLMMaxTokens:   150,
		LLMTemperature: 0.7,

		TTSVoice:         envOrDefault("TTS_VOICE", "default"),
		TTSSampleRate:    16000,
		AvatarFPS:        25,
		SilenceThreshold: 0.01,
		Language:         envOrDefault("PIPELINE_LANGUAGE", "pl"),
		IdleFrameCount:   30,

		PlayerIdleTickHz:  4,
		PlayerMinFPS:      15,
		PlayerMaxFPS:      30,
		PlayerFallbackFPS: 25,
		PlayerBlendFrames: 3,

		SessionCapacity:          100,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		SweepInterval:            10 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCapacity, err = intFromEnv("APP_SESSION_CAPACITY", cfg.SessionCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryKeep, err = intFromEnv("HISTORY_KEEP", cfg.HistoryKeep)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSSampleRate, err = intFromEnv("TTS_SAMPLE_RATE", cfg.TTSSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AvatarFPS, err = intFromEnv("AVATAR_FPS", cfg.AvatarFPS)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceThreshold, err = floatFromEnv("VAD_SILENCE_THRESHOLD", cfg.SilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleFrameCount, err = intFromEnv("AVATAR_IDLE_FRAME_COUNT", cfg.IdleFrameCount)
	if err != nil {
		return Config{}, err
	}
	cfg.PlayerIdleTickHz, err = intFromEnv("PLAYER_IDLE_TICK_HZ", cfg.PlayerIdleTickHz)
	if err != nil {
		return Config{}, err
	}
	cfg.PlayerMinFPS, err = intFromEnv("PLAYER_MIN_FPS", cfg.PlayerMinFPS)
	if err != nil {
		return Config{}, err
	}
	cfg.PlayerMaxFPS, err = intFromEnv("PLAYER_MAX_FPS", cfg.PlayerMaxFPS)
	if err != nil {
		return Config{}, err
	}
	cfg.PlayerFallbackFPS, err = intFromEnv("PLAYER_FALLBACK_FPS", cfg.PlayerFallbackFPS)
	if err != nil {
		return Config{}, err
	}
	cfg.PlayerBlendFrames, err = intFromEnv("PLAYER_BLEND_FRAMES", cfg.PlayerBlendFrames)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionCapacity <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_CAPACITY must be positive")
	}
	if cfg.HistoryKeep <= 0 {
		return Config{}, fmt.Errorf("HISTORY_KEEP must be positive")
	}
	if cfg.AvatarFPS <= 0 {
		return Config{}, fmt.Errorf("AVATAR_FPS must be positive")
	}
	if cfg.PlayerMinFPS <= 0 || cfg.PlayerMaxFPS < cfg.PlayerMinFPS {
		return Config{}, fmt.Errorf("PLAYER_MIN_FPS/PLAYER_MAX_FPS form an invalid range")
	}
	if cfg.PlayerFallbackFPS < cfg.PlayerMinFPS || cfg.PlayerFallbackFPS > cfg.PlayerMaxFPS {
		return Config{}, fmt.Errorf("PLAYER_FALLBACK_FPS must fall within the fps clamp range")
	}
	if cfg.LLMProvider == "http" && cfg.LLMAPIBase == "" {
		return Config{}, fmt.Errorf("LLM_API_BASE is required when LLM_PROVIDER=http")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
