// Package http exposes the session coordinator to the local desktop UI.
//
// Handlers are thin. They decode and validate the request, issue exactly one
// command to the coordinator and answer with the snapshot published for that
// command, so the UI never needs a follow-up read to see the effect of its
// own action. Failures are rendered as APIError bodies; the error kind
// (transient, policy, integrity) tells the UI whether a retry can help.
//
// # Routes
//
//	GET    /api/session                     current snapshot
//	POST   /api/session/unlock              submit the master password
//	POST   /api/session/lock                lock the vault
//	POST   /api/session/repair              leave the Fatal state
//	POST   /api/device/activate             take a seat for the attached device
//	POST   /api/device/register             same, with a friendly name
//	GET    /api/device/ports                list serial ports
//	GET    /api/license                     license info
//	GET    /api/license/devices             seat holders
//	DELETE /api/license/devices/{serial}    free a seat
//	POST   /api/license/refresh             re-validate now
//	POST   /api/license/key                 install a product key (locked only)
//	GET    /api/vault/entries               entry metadata
//	POST   /api/vault/entries               add an entry
//	POST   /api/vault/entries/{id}/reveal   decrypt one secret
//	POST   /api/vault/entries/{id}/send     have the device type one secret
//	GET    /api/vault/export                entry metadata as CSV
//	GET    /api/vault/backup                encrypted vault file
//	GET    /api/ws                          snapshot stream
//	GET    /healthz, /metrics
//
// Secrets never appear in logs. Request bodies are not logged by the
// middleware chain, and password buffers are zeroed once handed off.
package http
