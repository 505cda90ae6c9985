// Package governance holds the runtime safety controls the relay applies to
// its outbound calls.
//
// The relay deliberately performs no retries, queuing or rate limiting; each
// outbound call gets exactly one attempt bounded by a per-call deadline.
package governance
