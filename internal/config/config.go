// Package config loads and validates the core's environment configuration,
// following the same flat-struct-plus-Validate discipline as the teacher's
// node.Config/ValidateConfig (node/config.go): no config library, because
// spec.md's configuration surface is a flat set of environment variables,
// not a layered file+flag+env system.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	BackendVerifierPrivateKeyHex string

	EmbeddingEndpoint string
	EmbeddingAPIKey   string
	EmbeddingModel    string
	MaxVideoFrames    int
	EmbeddingDim      int

	VectorIndexEndpoint      string
	VectorIndexAPIKey        string
	VectorIndexName          string
	VectorNamespaceRegistered string
	VectorNamespacePending    string

	LLMEndpoint       string
	LLMAPIKey         string
	LLMModel          string
	EnableLLMAnalysis bool

	ThresholdClean int
	ThresholdWarn  int

	DataDir      string
	BindAddr     string
	LogLevel     string
	ExpirySweep  string // duration string, e.g. "5m"
	SimilarityTopK int
}

var allowedLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

func Default() Config {
	return Config{
		EmbeddingModel:    "multimodal-embed-v1",
		MaxVideoFrames:    300,
		EmbeddingDim:      1024,
		VectorIndexName:   "mintcore",
		VectorNamespaceRegistered: "registered",
		VectorNamespacePending:    "pending",
		LLMModel:          "fallback-only",
		EnableLLMAnalysis: false,
		ThresholdClean:    40,
		ThresholdWarn:     75,
		DataDir:           "./data/mintcore",
		BindAddr:          "0.0.0.0:8080",
		LogLevel:          "info",
		ExpirySweep:       "5m",
		SimilarityTopK:    10,
	}
}

// FromEnv loads the config from process environment variables, starting
// from Default() for every field with a sane non-secret default.
func FromEnv() Config {
	cfg := Default()
	cfg.BackendVerifierPrivateKeyHex = os.Getenv("BACKEND_VERIFIER_PRIVATE_KEY")

	cfg.EmbeddingEndpoint = getenvOr("EMBEDDING_MODEL_ENDPOINT", cfg.EmbeddingEndpoint)
	cfg.EmbeddingAPIKey = os.Getenv("EMBEDDING_MODEL_API_KEY")
	cfg.EmbeddingModel = getenvOr("EMBEDDING_MODEL_NAME", cfg.EmbeddingModel)
	cfg.MaxVideoFrames = getenvIntOr("MAX_VIDEO_FRAMES", cfg.MaxVideoFrames)
	cfg.EmbeddingDim = getenvIntOr("EMBEDDING_DIMENSION", cfg.EmbeddingDim)

	cfg.VectorIndexEndpoint = getenvOr("VECTOR_INDEX_ENDPOINT", cfg.VectorIndexEndpoint)
	cfg.VectorIndexAPIKey = os.Getenv("VECTOR_INDEX_API_KEY")
	cfg.VectorIndexName = getenvOr("VECTOR_INDEX_NAME", cfg.VectorIndexName)
	cfg.VectorNamespaceRegistered = getenvOr("VECTOR_NAMESPACE_REGISTERED", cfg.VectorNamespaceRegistered)
	cfg.VectorNamespacePending = getenvOr("VECTOR_NAMESPACE_PENDING", cfg.VectorNamespacePending)

	cfg.LLMEndpoint = getenvOr("LLM_ENDPOINT", cfg.LLMEndpoint)
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMModel = getenvOr("LLM_MODEL", cfg.LLMModel)
	cfg.EnableLLMAnalysis = getenvBoolOr("ENABLE_LLM_ANALYSIS", cfg.EnableLLMAnalysis)

	cfg.ThresholdClean = getenvIntOr("SIMILARITY_THRESHOLD_CLEAN", cfg.ThresholdClean)
	cfg.ThresholdWarn = getenvIntOr("SIMILARITY_THRESHOLD_WARN", cfg.ThresholdWarn)
	cfg.SimilarityTopK = getenvIntOr("SIMILARITY_TOP_K", cfg.SimilarityTopK)

	cfg.DataDir = getenvOr("DATA_DIR", cfg.DataDir)
	cfg.BindAddr = getenvOr("BIND_ADDR", cfg.BindAddr)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(getenvOr("LOG_LEVEL", cfg.LogLevel)))
	cfg.ExpirySweep = getenvOr("EXPIRY_SWEEP_INTERVAL", cfg.ExpirySweep)

	return cfg
}

// Validate enforces the startup-time invariants spec.md §4.6/§6/§7 call
// Fatal: missing verifier key, persistence path, and the threshold
// invariant 0 ≤ T_clean < T_warn ≤ 100.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.BackendVerifierPrivateKeyHex) == "" {
		return errors.New("BACKEND_VERIFIER_PRIVATE_KEY is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("DATA_DIR is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid BIND_ADDR: %w", err)
	}
	if _, ok := allowedLogLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}
	if cfg.ThresholdClean < 0 || cfg.ThresholdWarn > 100 || cfg.ThresholdClean >= cfg.ThresholdWarn {
		return fmt.Errorf("threshold invariant violated: 0 <= T_clean(%d) < T_warn(%d) <= 100", cfg.ThresholdClean, cfg.ThresholdWarn)
	}
	if cfg.EmbeddingDim <= 0 {
		return errors.New("EMBEDDING_DIMENSION must be > 0")
	}
	if cfg.MaxVideoFrames <= 0 {
		return errors.New("MAX_VIDEO_FRAMES must be > 0")
	}
	if cfg.SimilarityTopK <= 0 {
		return errors.New("SIMILARITY_TOP_K must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	return nil
}

func getenvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvIntOr(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
