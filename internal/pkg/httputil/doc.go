// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls, so every endpoint shares one JSON layout, one error envelope and
// one mapping from domain errors to status codes.
package httputil
