package config

import "time"

// SessionConfig controls Session defaults and in-memory history pruning
// (spec §4.7, §4.9). Trimmed from the teacher's channel-scoped
// SessionConfig (DM scoping, per-channel reset rules, heartbeat/memory
// flush prompts): none of those concepts exist without messaging
// channels.
type SessionConfig struct {
	MaxIterations  int                  `yaml:"max_iterations"`
	ContextPruning ContextPruningConfig `yaml:"context_pruning"`

	// StorePath is the sqlite file backing the D1 session store
	// (internal/sessions.Store). Empty uses <home>/sessions.db.
	StorePath string `yaml:"store_path"`
}

// ContextPruningConfig controls in-memory tool result pruning for
// sessions (spec §4.9's context budget).
type ContextPruningConfig struct {
	Mode                 string                  `yaml:"mode"`
	TTL                  *time.Duration          `yaml:"ttl"`
	KeepLastAssistants   *int                    `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                    `yaml:"min_prunable_tool_chars"`
	Tools                ContextPruningToolMatch `yaml:"tools"`
	SoftTrim             ContextPruningSoftTrim  `yaml:"soft_trim"`
	HardClear            ContextPruningHardClear `yaml:"hard_clear"`
}

// ContextPruningToolMatch selects which tool results can be trimmed.
type ContextPruningToolMatch struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ContextPruningSoftTrim configures soft trimming of tool result content.
type ContextPruningSoftTrim struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

// ContextPruningHardClear configures hard clearing of tool result content.
type ContextPruningHardClear struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}
