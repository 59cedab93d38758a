// Package log provides the global zerolog-based logger for Hutch.
//
// Call Init once at startup, then use WithComponent to derive child
// loggers carrying a component field. The audit sink also emits every
// recorded entry through this logger so the security trail is always
// present in the log stream, independent of durable storage health.
package log
