// Package retry owns bounded retry and condition polling.
//
// A Supervisor separates what is being waited for from how attempts are
// spaced, bounded and cancelled. It is used for endpoint registration, client
// session establishment and for polling test conditions, never for individual
// writes.
package retry
