// Package config loads relay configuration.
//
// Values are resolved in layers, each overriding the last:
//
//  1. Default(): receive port 9000, send port 9001, bind 0.0.0.0
//  2. File layers added with Loader.AddLayer, JSON (.json) or YAML
//     (.yaml, .yml). Only the fields present in a file are changed; unknown
//     fields are rejected.
//  3. OSCRELAY_* environment variables (OSCRELAY_SEND_PORT,
//     OSCRELAY_LOG_LEVEL, OSCRELAY_NATS_URL, ...)
//  4. Command-line flags, applied by the binary after Load
//
// Durations are written as Go duration strings:
//
//	shutdown_timeout: 10s
//	bind_retry:
//	  max_attempts: 5
//	  initial_delay: 200ms
//
// Files are read through safeReadFile, which rejects non-regular files,
// oversized files, paths escaping the working directory and unexpected
// extensions.
//
// Validate rejects the "block" overflow policy: a subscriber queue must never
// stall the receive loop.
package config
