// Package server implements the UDP capture feed listener and the HTTP API.
// The UDP side parses capture packets and routes them to open capture
// streams; the HTTP side carries coordinator commands, page and relay
// traffic, browser tab events and monitoring endpoints.
package server
