// Package config loads the typed configuration every daemon binary in this
// repository shares, parsed from a TOML file via spf13/viper.
package config
