package config

import "errors"

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrEnvFileLoad        = errors.New("failed to load environment file")
)
