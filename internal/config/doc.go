// Package config provides configuration loading and validation for the
// chunk recorder. It handles YAML-based configuration with per-section
// validation and sensible defaults for local use.
package config
