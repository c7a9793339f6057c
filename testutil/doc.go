// Package testutil provides shared test doubles: a manually advanced
// virtual clock and a scripted inference engine.
package testutil
