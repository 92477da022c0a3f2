//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// SIGUSR1 puts the client in the background, SIGUSR2 brings it back
var (
	backgroundSignal os.Signal = unix.SIGUSR1
	foregroundSignal os.Signal = unix.SIGUSR2
)

func appStateSignals() []os.Signal {
	return []os.Signal{backgroundSignal, foregroundSignal}
}
