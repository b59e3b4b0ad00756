// Package config defines the settings used by the deploy binaries and provides
// helpers to load, validate and save them in YAML format.
//
// Validate fills every unset field with its default, so a file holding only
// server_addr is a complete configuration.
package config
