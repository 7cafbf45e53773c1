// Package server implements the HTTP API for managing process
// definitions, executions, and approvals, plus the WebSocket event stream.
package server
