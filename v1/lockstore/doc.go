// Package lockstore maintains the table of exclusive lock holders, with
// in-memory and Redis implementations. Every call resolves immediately with
// success or a specific conflict reason; there is deliberately no blocking
// wait mode, so a disconnected holder can never park other callers forever.
package lockstore
