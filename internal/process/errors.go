package process

import "errors"

var (
	ErrExecutableNotFound  = errors.New("server executable not found")
	ErrConflictingDataPath = errors.New("launch arguments must not contain --dataPath; set data_path in the config instead")
	ErrInvalidArguments    = errors.New("launch arguments could not be parsed")
	ErrSpawnFailed         = errors.New("failed to start server process")
	ErrNotRunning          = errors.New("server is not running")
	ErrAlreadyRunning      = errors.New("server is already running")
	ErrStopInProgress      = errors.New("a stop is already in progress")
	ErrStopTimeout         = errors.New("server did not exit after kill")
	ErrWriteFailed         = errors.New("failed to write to server console")
)
