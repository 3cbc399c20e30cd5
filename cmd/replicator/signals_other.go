//go:build !unix

package main

import "os"

var leadershipSignals []os.Signal

func leadershipSignal(os.Signal) (leader, ok bool) { return false, false }
