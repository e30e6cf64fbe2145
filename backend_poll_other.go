//go:build !linux && !darwin

package evengine

func newPollBackend(*sourceOptions) (Backend, error) { return nil, ErrBackendUnavailable }

func newPollDelayBackend(*sourceOptions) (Backend, error) { return nil, ErrBackendUnavailable }
