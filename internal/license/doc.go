// Package license answers one question for the session: may this device
// unlock the vault right now?
//
// A Gate fronts an Authority. Two authorities exist:
//
//	- LocalAuthority: a PICO-* product key checked offline, with the seat
//	  ledger kept in a SQLite database next to the vault.
//	- HTTPAuthority: a license server whose responses are HS256-signed
//	  tokens carrying the license payload.
//
// Every response is normalized through NewInfo, which rejects payloads whose
// seat arithmetic does not add up. Info values are replaced wholesale on each
// response and never mutated.
//
// # Seats
//
// Tiers are ordered FREE < SINGLE < MULTI. FREE and SINGLE carry one seat;
// MULTI carries the seat count the authority reports. Activating a serial that
// is already counted fails with ErrDeviceAlreadyRegistered and never consumes
// a second seat.
package license
