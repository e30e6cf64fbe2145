//go:build !linux

package evengine

func newTimerfdBackend(*sourceOptions) (Backend, error) { return nil, ErrBackendUnavailable }
