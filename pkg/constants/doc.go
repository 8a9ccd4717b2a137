// Package constants holds the sentinel errors shared by the notion packages.
//
// Callers compare against them with errors.Is; every package wraps them with
// context using fmt.Errorf and %w.
package constants
