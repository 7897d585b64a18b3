//go:build !linux

package worker

func processRSS() (uint64, bool) { return 0, false }
