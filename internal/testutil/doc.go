// Package testutil provides fixtures shared by package tests: an
// in-process reference store and fast reconnect settings.
package testutil
