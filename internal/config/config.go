// Package config loads the JSON configuration document of spec.md §6:
// sections {retention, levels, recall, resonance, compression, relations,
// retrieval, archive, protection, embedding, llm}, plus a "batch" section
// for the scheduling constants spec.md gives inline but does not assign a
// named section. Unknown keys are ignored (encoding/json's default);
// missing keys keep the compiled-in defaults applied before unmarshalling,
// the same two-phase "defaults, then file, then env" precedence the
// teacher's internal/config.Load uses for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type RetentionConfig struct {
	MinDecayCoefficient float64 `json:"min_decay_coefficient"`
	MaxDecayCoefficient float64 `json:"max_decay_coefficient"`
}

type LevelsConfig struct {
	Level1Threshold float64 `json:"level1_threshold"`
	Level2Threshold float64 `json:"level2_threshold"`
	Level3Threshold float64 `json:"level3_threshold"`
	// Ratios target non-protected-active share per tier; P6 enforces the
	// L1/L2/L3 ratios. ArchiveRatio is not enforced by P6; it only enters
	// Validate's check that the four ratios sum to 1.
	Level1Ratio float64 `json:"level1_ratio"`
	Level2Ratio float64 `json:"level2_ratio"`
	Level3Ratio float64 `json:"level3_ratio"`
	ArchiveRatio float64 `json:"archive_ratio"`
}

type RecallConfig struct {
	DaysHalvingFactor float64 `json:"days_halving_factor"`
	CoefficientBoost  float64 `json:"coefficient_boost"`
}

type ResonanceConfig struct {
	Alpha         float64 `json:"alpha"`
	ValenceBonus  float64 `json:"valence_bonus"`
	MaxArousalBonus float64 `json:"max_arousal_bonus"`
	TagBonusScale float64 `json:"tag_bonus_scale"`
}

type CompressionConfig struct {
	// The analysis provider owns prompt content (spec.md §6). These names
	// are not read by the batch engine, which always calls SummarizeTier
	// for L1->L2 and ExtractKeywordsTier for L2->L3.
	SummaryPromptName  string `json:"summary_prompt_name"`
	KeywordPromptName  string `json:"keyword_prompt_name"`
}

type RelationsConfig struct {
	MaxRelationsPerMemory       int     `json:"max_relations_per_memory"`
	ScoreProximityThreshold     float64 `json:"score_proximity_threshold"`
	EnableAutoLinking           bool    `json:"enable_auto_linking"`
	AutoLinkSimilarityThreshold float64 `json:"auto_link_similarity_threshold"`
}

type RetrievalConfig struct {
	TopK                int     `json:"top_k"`
	RelevanceThreshold  float64 `json:"relevance_threshold"`
	EnableArchiveRecall bool    `json:"enable_archive_recall"`
}

type ArchiveConfig struct {
	AutoDeleteEnabled      bool    `json:"auto_delete_enabled"`
	RetentionDays          int     `json:"retention_days"`
	DeleteRequireZeroRecall bool   `json:"delete_require_zero_recall"`
	DeleteMaxIntensity     int     `json:"delete_max_intensity"`
	// DeleteConditionMode combines the retention/zero-recall/intensity
	// conditions: "and" or "or".
	DeleteConditionMode string `json:"delete_condition_mode"`

	RevivalDecayPerDay float64 `json:"revival_decay_per_day"`
	RevivalMinMargin   float64 `json:"revival_min_margin"`
}

type ProtectionConfig struct {
	MaxProtectedMemories int `json:"max_protected_memories"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	TimeoutSeconds int `json:"timeout_seconds"`
	// APIKey is never read from the JSON file; it comes from the
	// OPENAI_API_KEY environment variable (see Load).
	APIKey string `json:"-"`
}

type LLMConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	APIKey         string `json:"-"`
}

type BatchConfig struct {
	ScheduleHour  int `json:"schedule_hour"`
	IntervalHours int `json:"interval_hours"`
}

type Config struct {
	Retention  RetentionConfig   `json:"retention"`
	Levels     LevelsConfig      `json:"levels"`
	Recall     RecallConfig      `json:"recall"`
	Resonance  ResonanceConfig   `json:"resonance"`
	Compression CompressionConfig `json:"compression"`
	Relations  RelationsConfig   `json:"relations"`
	Retrieval  RetrievalConfig   `json:"retrieval"`
	Archive    ArchiveConfig     `json:"archive"`
	Protection ProtectionConfig  `json:"protection"`
	Embedding  EmbeddingConfig   `json:"embedding"`
	LLM        LLMConfig         `json:"llm"`
	Batch      BatchConfig       `json:"batch"`

	DataPath string `json:"data_path"`
	LogPath  string `json:"log_path"`
	LogLevel string `json:"log_level"`
}

// Default returns the configuration with every default named inline in
// spec.md §2-§6 applied.
func Default() Config {
	return Config{
		Retention: RetentionConfig{MinDecayCoefficient: 0.70, MaxDecayCoefficient: 0.999},
		Levels: LevelsConfig{
			Level1Threshold: 50, Level2Threshold: 20, Level3Threshold: 5,
			Level1Ratio: 0.15, Level2Ratio: 0.30, Level3Ratio: 0.35, ArchiveRatio: 0.20,
		},
		Recall:    RecallConfig{DaysHalvingFactor: 0.5, CoefficientBoost: 0.02},
		Resonance: ResonanceConfig{Alpha: 0.3, ValenceBonus: 0.3, MaxArousalBonus: 0.2, TagBonusScale: 0.5},
		Compression: CompressionConfig{SummaryPromptName: "tier_summary", KeywordPromptName: "tier_keywords"},
		Relations: RelationsConfig{
			MaxRelationsPerMemory: 10, ScoreProximityThreshold: 5.0,
			EnableAutoLinking: true, AutoLinkSimilarityThreshold: 0.85,
		},
		Retrieval: RetrievalConfig{TopK: 5, RelevanceThreshold: 5.0, EnableArchiveRecall: true},
		Archive: ArchiveConfig{
			AutoDeleteEnabled: false, RetentionDays: 365, DeleteRequireZeroRecall: true,
			DeleteMaxIntensity: 20, DeleteConditionMode: "and",
			RevivalDecayPerDay: 0.995, RevivalMinMargin: 3.0,
		},
		Protection: ProtectionConfig{MaxProtectedMemories: 50},
		Embedding: EmbeddingConfig{
			BaseURL: "https://api.openai.com/v1", Model: "text-embedding-3-small",
			Dimensions: 1536, TimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.anthropic.com", Model: "claude-sonnet-4-5",
			TimeoutSeconds: 30,
		},
		Batch:    BatchConfig{ScheduleHour: 3, IntervalHours: 24},
		DataPath: "memories.db",
		LogLevel: "info",
	}
}

// Load reads the configuration file at path (if it exists) over the
// compiled-in defaults, then overlays API keys from the environment
// (optionally from a .env file), mirroring the teacher's
// defaults-then-file-then-env precedence.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMORYENGINE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMORYENGINE_DATA_PATH")); v != "" {
		cfg.DataPath = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the BadConfig-is-fatal-at-startup rule of spec.md §7.
func (c Config) Validate() error {
	if c.Retention.MinDecayCoefficient <= 0 || c.Retention.MaxDecayCoefficient > 1 ||
		c.Retention.MinDecayCoefficient > c.Retention.MaxDecayCoefficient {
		return fmt.Errorf("config: invalid retention decay coefficient bounds")
	}
	if c.Levels.Level1Threshold <= c.Levels.Level2Threshold || c.Levels.Level2Threshold <= c.Levels.Level3Threshold {
		return fmt.Errorf("config: level thresholds must be strictly decreasing")
	}
	ratioSum := c.Levels.Level1Ratio + c.Levels.Level2Ratio + c.Levels.Level3Ratio + c.Levels.ArchiveRatio
	if ratioSum < 0.9999 || ratioSum > 1.0001 {
		return fmt.Errorf("config: level ratios must sum to ~1.0, got %f", ratioSum)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("config: retrieval.top_k must be positive")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding.dimensions must be positive")
	}
	if c.Batch.IntervalHours <= 0 {
		return fmt.Errorf("config: batch.interval_hours must be positive")
	}
	mode := strings.ToLower(c.Archive.DeleteConditionMode)
	if mode != "and" && mode != "or" {
		return fmt.Errorf("config: archive.delete_condition_mode must be \"and\" or \"or\"")
	}
	return nil
}
