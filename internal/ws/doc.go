// Package ws provides WebSocket connection handling for the gateway.
//
// The package implements:
//   - Client: one authenticated WebSocket connection with a bounded send queue
//   - Gateway: accepts interactive connections, binds each to a session
//     Dispatcher and tears the identity's sessions down on disconnect
//   - Hub: the subscribers of one project for out-of-band events
//   - HubManager: project hubs plus the heartbeat that prunes dead subscribers
//   - Service: publishes commit, deployment and sync-error events to project
//     subscribers and to the publishing identity's interactive connections
//
// Every frame is a JSON envelope {"event": "<name>", "data": {...}}.
package ws
