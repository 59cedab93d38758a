// Package client provides a typed Go client for the Hutch control-plane
// API. Agents use it to enroll and rotate certificates; operator tooling
// uses it for tokens, reservations, and audit queries.
package client
