package goswarm

import "github.com/itsneelabh/goswarm/core"

// Version information for the goswarm kernel
const (
	// Version is the current kernel version
	Version = core.Version

	// APIVersion is the current API version
	APIVersion = core.APIVersion
)
