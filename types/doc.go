// Package types defines the shared kinds used across the Amphibian core:
// the structured error model, the typed event catalogue with its
// publish/subscribe bus, and the injectable clock.
//
// Components in this module never throw ad-hoc errors across a public
// boundary; they categorise through [Error] and its fixed [ErrorCode] set.
// Likewise they never emit string-keyed events; the [EventBus] catalogue
// is closed and every payload is typed.
package types
