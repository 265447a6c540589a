// Package logging centralizes the go-kit/log setup every binary and
// long-lived component in this repository uses: structured, leveled
// logging plus the fatalf helper used for protocol violations.
package logging
