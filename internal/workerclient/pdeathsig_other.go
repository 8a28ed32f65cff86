//go:build !linux

package workerclient

// EnableParentDeathSignal is a no-op on platforms without prctl.
func EnableParentDeathSignal() error { return nil }
