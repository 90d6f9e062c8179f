package version

// Version is the current version of pipestream.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.9.0"

// Name is the application name.
const Name = "pipestream"

// Description is a short description of the application.
const Description = "Incremental time-series synchronization between connectors"
