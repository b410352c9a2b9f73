// Package client is the HTTP client for the service API. It retries
// transient failures with exponential backoff and is what the pitchctl
// control panel talks through.
package client
