package plugin

import "errors"

// Installation and registry errors. Callers match them with errors.Is.
var (
	ErrInvalidManifest  = errors.New("invalid plugin manifest")
	ErrMissingField     = errors.New("missing manifest field")
	ErrInvalidName      = errors.New("invalid plugin name")
	ErrCorruptArchive   = errors.New("corrupt plugin archive")
	ErrMissingManifest  = errors.New("missing " + ManifestFile)
	ErrDownloadFailed   = errors.New("plugin download failed")
	ErrPersistence      = errors.New("plugin persistence failed")
	ErrCleanupError     = errors.New("plugin cleanup failed")
	ErrPluginNotFound   = errors.New("plugin not found")
	ErrAlreadyInstalled = errors.New("plugin already installed")
)
