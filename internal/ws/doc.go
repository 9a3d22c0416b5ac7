// Package ws provides the WebSocket transport of the proxy.
//
// The package implements:
//   - Client: one socket with a buffered, single-writer send queue
//   - Handler: upgrades connections, turns frames into events and
//     acknowledges each event once its delivery settles
//
// A socket preserves frame order, but acknowledgements are sent in the order
// deliveries settle, which for out-of-order frames is sequence order.
package ws
