//go:build !darwin

package evengine

func newKqueueBackend(*sourceOptions) (Backend, error) { return nil, ErrBackendUnavailable }
