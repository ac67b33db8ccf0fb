// Package places is the upstream client for the Google Places web service.
//
// Calls are paced to a fixed request rate with golang.org/x/time/rate, traced
// with otelhttp, and retried with exponential backoff on network failures, 429
// and 5xx answers. Response bodies are returned as raw JSON so handlers can
// relay them without reshaping. The API key is attached per request and kept
// out of every error message.
package places
