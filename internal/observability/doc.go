// Package observability builds the gateway's zap loggers and annotates them
// with request-scoped fields.
package observability
