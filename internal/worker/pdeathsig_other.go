//go:build !linux

package worker

// EnableParentDeathSignal is a no-op outside Linux; prctl(PR_SET_PDEATHSIG)
// has no portable equivalent.
func EnableParentDeathSignal() error { return nil }
