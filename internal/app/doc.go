// Package app wires the PicoPass daemon together.
//
// An Application owns one instance of every long-running component:
//
//	serial transport -> device link ----+
//	license authority -> license gate --+--> session coordinator --> snapshot hub
//	vault file store -> vault lock -----+            |
//	                                                 +--> local HTTP API
//
// Run starts each component under one errgroup. The first component to fail
// cancels the others; cancelling the parent context shuts everything down,
// locks the vault and closes the HTTP server gracefully. Close releases what
// Run does not own (the license ledger, telemetry, the log file) and must be
// called once Run has returned.
package app
