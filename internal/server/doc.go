// Package server assembles the HTTP surface of the coordination service: the
// websocket endpoint, the ingest webhook, health, and metrics, wrapped in the
// shared middleware chain.
package server
