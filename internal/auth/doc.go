// Package auth provides authentication for loom-gateway connections.
//
// # Authentication Methods
//
// Credentials presented during the WebSocket handshake are tried in
// order:
//
//   - Device Tokens: Long-lived credentials issued through the pairing
//     flow, checked against the pairing state.
//
//   - Static Token: A single shared token from the config, granting the
//     full scope set.
//
//   - JWT Tokens: Signed with HS256 using the configured jwt_secret.
//     Scopes are carried in the token claims.
//
//   - Password: Compared against the configured bcrypt password_hash.
//
//   - Loopback: Connections from 127.0.0.1/::1 may be admitted without
//     credentials when allow_loopback is set.
//
// # Scopes
//
// Operator capabilities are expressed as scopes (operator.admin,
// operator.read, operator.write, operator.approvals, operator.pairing).
// The admin scope passes every guard.
package auth
