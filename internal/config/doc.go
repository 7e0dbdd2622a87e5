// Package config loads the daemon configuration from a single JSON or YAML
// file, resolves relative paths against the file's directory and fills in
// defaults for every governance, queue and persistence setting.
package config
