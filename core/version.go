package core

// Version information for the goswarm kernel
const (
	// Version is the current kernel version
	Version = "0.1.0"

	// APIVersion is the current API version
	APIVersion = "v1alpha1"
)
