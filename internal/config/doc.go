// Package config loads rtstream configuration from YAML.
//
// Loading:
//   - ${VAR} references are expanded from the environment before parsing
//   - Missing optional fields take the Default* values
//   - Validate combines struct tag rules with cross-field checks
package config
