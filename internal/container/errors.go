package container

import "errors"

var (
	ErrNotFound = errors.New("container not found")

	ErrConflict = errors.New("container name conflict")

	ErrResource = errors.New("resource request rejected")

	ErrExecFailed = errors.New("exec failed")

	ErrImagePullFailed = errors.New("failed to pull image")

	ErrBackend = errors.New("container runtime error")
)
