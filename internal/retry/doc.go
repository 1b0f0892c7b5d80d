// Package retry implements exponential backoff with jitter for transient
// service failures.
package retry
