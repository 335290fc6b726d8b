package tsp

import "github.com/dsroberts/go-tsp/internal/constants"

// Re-export constants for public API consumers that don't want to import
// internal/constants directly.
const (
	DBFileName   = constants.DBFileName
	LockFileName = constants.LockFileName

	StdoutFilePrefix = constants.StdoutFilePrefix
	StderrFilePrefix = constants.StderrFilePrefix

	DefaultSlots = constants.DefaultSlots
	BusyTimeout  = constants.BusyTimeout

	RetryBaseSleep  = constants.RetryBaseSleep
	JitterAmplitude = constants.JitterAmplitude
)
