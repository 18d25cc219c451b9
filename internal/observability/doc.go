// Package observability builds the process logger and the HTTP request
// logging middleware. Every other package receives a *zap.Logger.
package observability
