// Package config handles configuration loading and management for hitcapture.
//
// It provides functionality for:
//   - Loading configuration from .hitcapture.yaml or hitcapture.json files
//   - Default configuration values
//   - Merging command-line overrides over file settings
package config
