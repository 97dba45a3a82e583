// Package retry provides bounded retry loops for transfer and
// connection paths.
//
// Two policies cover the codebase: Fixed, a constant-delay loop used
// for per-send retries and link reconnects where the contract specifies
// an exact attempt count and spacing, and the exponential DefaultConfig
// used for control-plane calls. Errors wrapped with NonRetryable stop
// the loop immediately.
package retry
