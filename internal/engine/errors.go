package engine

import "github.com/jmgilman/go/errors"

const (
	// A manifest entry could not be fetched or stored during Install.
	CodeInstallFailed errors.ErrorCode = "INSTALL_FAILED"
	// Activate was called before a successful Install.
	CodeNotInstalled errors.ErrorCode = "NOT_INSTALLED"
)
