// Package httpapp provides the JSON API for Agora.
//
// Every mutating endpoint runs the same pipeline: resolve the caller's
// identity (API key or session), count the attempt against the rate
// limiter, check community permissions, then perform the write. Rate
// headers (X-RateLimit-Remaining, X-RateLimit-Reset) are set on every
// rate-limited response, allowed or not.
package httpapp
