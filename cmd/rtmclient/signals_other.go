//go:build !unix

package main

import "os"

var (
	backgroundSignal os.Signal
	foregroundSignal os.Signal
)

// only unix has spare signals to drive application state with
func appStateSignals() []os.Signal {
	return nil
}
