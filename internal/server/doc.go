// Package server implements the coordination server for PulseChat: the hub
// that owns the session registry and online-user roster, the per-connection
// read/write pumps, and the HTTP surface that upgrades connections.
//
// The implementation is organized into specialized files for configuration,
// hub management, sessions, routing, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
