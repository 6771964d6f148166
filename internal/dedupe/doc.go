// Package dedupe collapses retried device pair requests. A device that
// asks to pair again within the request TTL is recognized as a retry so
// the dispatcher can return its existing pending request instead of
// creating and broadcasting a new one.
package dedupe
