// Package client implements the WebSocket client side of the gateway
// protocol.
//
// # Overview
//
// Client wraps a gateway connection for CLI tools and node programs:
// Dial performs the connect handshake, Call invokes methods with
// request/response correlation, and Events delivers server-push frames.
//
// # Usage
//
//	c, err := client.Dial(ctx, "ws://localhost:8787/ws", client.Options{
//	    Auth: &protocol.ConnectAuth{Token: token},
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	var status map[string]any
//	if err := c.Call(ctx, "status", nil, &status); err != nil { ... }
//
//	for ev := range c.Events() {
//	    fmt.Println(ev.Event)
//	}
//
// Method failures come back as *protocol.ErrorShape so callers can
// switch on the stable error codes.
package client
