// Package memory is an in-process broker with headers-exchange fan-out
// semantics. It backs the bridge and worker tests and the local demo mode
// of cmd/mmate-rpc, and exposes hooks to inject frames, fail publishes and
// sever connections.
package memory
