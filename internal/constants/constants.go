// Package constants provides shared defaults used by the command line.
package constants

// Processing constants
const (
	// WorkerPoolSize is the default number of photos sent to the embedding
	// server in parallel
	WorkerPoolSize = 4

	// MaxImageSize is the maximum dimension (width or height) of a photo sent
	// for detection
	MaxImageSize = 1920
)

// Listing constants
const (
	// DefaultClusterListLimit is the default number of clusters printed
	DefaultClusterListLimit = 50
)
