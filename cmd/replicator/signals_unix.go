//go:build unix

package main

import (
	"os"
	"syscall"
)

var leadershipSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

func leadershipSignal(sig os.Signal) (leader, ok bool) {
	switch sig {
	case syscall.SIGUSR1:
		return true, true
	case syscall.SIGUSR2:
		return false, true
	}
	return false, false
}
