// Package server is the websocket and HTTP transport of the gateway.
//
// The implementation is organized into specialized files for configuration,
// the origin policy, the hub, clients and their pumps, routing, and HTTP
// handlers. Every event a client sends is decoded here and handed to the
// gateway package; acknowledgements and broadcasts come back as encoded
// frames queued on the client.
package server
