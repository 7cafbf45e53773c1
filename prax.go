// Package prax is the root of the prax process engine. It only carries
// identity constants shared by the binaries and the logger.
package prax

const (
	// Name is the service name reported in logs and health output
	Name = "prax"

	// Version is the engine version reported in logs and health output
	Version = "0.3.0"
)
