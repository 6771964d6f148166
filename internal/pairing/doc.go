// Package pairing implements the device pairing flow.
//
// A device submits a pair request and receives a short-lived pending
// entry. An operator holding the pairing scope approves or rejects it;
// approval issues a device token the device presents on future connects.
// Tokens can be rotated or revoked, and persist across restarts through
// the store.
package pairing
