// Package status exposes exactly one symbol worth documenting at length:
// Normalize. See status.go for the priority order it implements.
package status
