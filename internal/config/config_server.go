package config

// ServerConfig configures the `cortex serve` HTTP bridge (spec §4.14,
// §6). Trimmed from the teacher's multi-port gateway ServerConfig
// (gRPC port, cluster/canvas fields): Cortex exposes one HTTP listener
// carrying both the websocket submission/event bridge and /metrics.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPort int    `yaml:"metrics_port"`
}
