// Package protocol defines the wire frames and constants shared by the
// gateway and its clients.
//
// # Frames
//
// Three frame shapes travel over the WebSocket:
//
//   - RequestFrame (type "req"): a client asks the gateway to run a method
//   - ResponseFrame (type "res"): the gateway answers a request by id
//   - EventFrame (type "event"): the gateway pushes a broadcast or a
//     targeted notification
//
// Broadcast events carry a strictly increasing seq; presence snapshots
// additionally carry a state_version so receivers can discard stale ones.
//
// # Errors
//
// Failed responses carry an ErrorShape with one of the stable codes:
// invalid_request, unauthorized, forbidden, unavailable, timeout, or
// internal.
package protocol
