package config

// WorkspaceConfig points at the project root a Session operates in and
// optional context files loaded into the system prompt (spec §4.10).
type WorkspaceConfig struct {
	Path       string `yaml:"path"`
	MaxChars   int    `yaml:"max_chars"`
	AgentsFile string `yaml:"agents_file"`
}
