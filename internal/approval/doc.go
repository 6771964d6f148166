// Package approval manages pending command execution approvals with a
// deny-on-timeout decision channel per request.
package approval
