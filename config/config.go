// Package config provides environment-variable configuration loading for the
// counter evaluation engine: a generic EnvConfig loader plus the
// CountersConfig binding that gathers every policy knob named in the
// engine's external interfaces (planner budgets, strategy selection, pool
// sizing, IPC codec).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig loads typed values from environment variables under an optional
// prefix.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader scoped to prefix (e.g. "COUNTERS").
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// GetString retrieves a string value or defaultValue if unset.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// MustGetString retrieves a required string value, panicking if unset.
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	v := os.Getenv(fullKey)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return v
}

// GetInt retrieves an integer value or defaultValue if unset or unparsable.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value or defaultValue if unset or unparsable.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value or defaultValue if unset or
// unparsable.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated list, trimming each element.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// PlannerConfig binds the Counter Planner's (§4.2) policy knobs.
type PlannerConfig struct {
	MaxCountersProcessing int
	MaxCountersPerRequest int
	MaxDepthLimit         int
	SplitIntervals        []int64

	// LegacyMode, when true, ignores SplitIntervals and produces exactly one
	// group per indexTypeName, still subject to MaxCountersPerRequest.
	LegacyMode bool
	// StrictDottedPlaceholders restricts "$$d.NAME" to nested-lookup
	// positions instead of treating it as a synonym of "$$NAME" everywhere.
	StrictDottedPlaceholders bool
}

// StrategyConfig binds the Storage Gateway's (§4.3) strategy-selection
// booleans plus the tightening of the both-true case.
type StrategyConfig struct {
	EmbedFactDataInIndex bool
	JoinFactsFromIndex   bool
	// StrategyConflict selects how the gateway behaves when both booleans
	// above are true: "warn" (default, behaves as lookup strategy with a
	// logged warning) or "error" (rejected at construction time).
	StrategyConflict string
}

// PoolConfig binds the Process Pool Manager's (§4.5) sizing knobs.
type PoolConfig struct {
	WorkerCount          int
	MinWorkers           int
	WorkerInitTimeoutMs  int
	DefaultTimeoutMs     int
	MaxWaitForWorkersMs  int
	RespawnBackoffMaxTry int
}

// IPCConfig binds the worker IPC codec flag (§4.5/§6).
type IPCConfig struct {
	BinaryCodec bool
}

// CountersConfig is the full configuration surface of the counter
// evaluation engine, loaded once per service instance.
type CountersConfig struct {
	Planner  PlannerConfig
	Strategy StrategyConfig
	Pool     PoolConfig
	IPC      IPCConfig

	MongoURI      string
	MongoDB       string
	RedisLeaseURL string
}

// LoadCountersConfig reads CountersConfig from the environment under prefix
// (e.g. "COUNTERS"), applying documented defaults for every knob.
func LoadCountersConfig(prefix string) CountersConfig {
	env := NewEnvConfig(prefix)

	var splitIntervals []int64
	for _, s := range env.GetStringSlice("PLANNER_SPLIT_INTERVALS_MS", nil) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			splitIntervals = append(splitIntervals, n)
		}
	}

	return CountersConfig{
		Planner: PlannerConfig{
			MaxCountersProcessing:    env.GetInt("PLANNER_MAX_COUNTERS_PROCESSING", 0),
			MaxCountersPerRequest:    env.GetInt("PLANNER_MAX_COUNTERS_PER_REQUEST", 0),
			MaxDepthLimit:            env.GetInt("PLANNER_MAX_DEPTH_LIMIT", 10000),
			SplitIntervals:           splitIntervals,
			LegacyMode:               env.GetBool("PLANNER_LEGACY_MODE", false),
			StrictDottedPlaceholders: env.GetBool("PLANNER_STRICT_DOTTED_PLACEHOLDERS", false),
		},
		Strategy: StrategyConfig{
			EmbedFactDataInIndex: env.GetBool("STRATEGY_EMBED_FACT_DATA_IN_INDEX", false),
			JoinFactsFromIndex:   env.GetBool("STRATEGY_JOIN_FACTS_FROM_INDEX", false),
			StrategyConflict:     env.GetString("STRATEGY_CONFLICT", "warn"),
		},
		Pool: PoolConfig{
			WorkerCount:          env.GetInt("POOL_WORKER_COUNT", 4),
			MinWorkers:           env.GetInt("POOL_MIN_WORKERS", 1),
			WorkerInitTimeoutMs:  env.GetInt("POOL_WORKER_INIT_TIMEOUT_MS", 10000),
			DefaultTimeoutMs:     env.GetInt("POOL_DEFAULT_TIMEOUT_MS", 60000),
			MaxWaitForWorkersMs:  env.GetInt("POOL_MAX_WAIT_FOR_WORKERS_MS", 5000),
			RespawnBackoffMaxTry: env.GetInt("POOL_RESPAWN_BACKOFF_MAX_TRY", 5),
		},
		IPC: IPCConfig{
			BinaryCodec: env.GetBool("IPC_BINARY_CODEC", false),
		},
		MongoURI:      env.GetString("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       env.GetString("MONGO_DB", "counters"),
		RedisLeaseURL: env.GetString("REDIS_LEASE_URL", ""),
	}
}
