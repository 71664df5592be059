// Package config loads and validates AutoForge configuration from a
// YAML file, layered with environment overrides and built-in defaults.
package config
