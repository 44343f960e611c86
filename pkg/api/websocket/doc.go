// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/executions/:id/ws and receive every event of
// that execution as a JSON text message, starting with a "connected" event.
// The server closes the socket after the run's terminal event.
package websocket
