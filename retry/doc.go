// Package retry provides the bounded retry policies used by the store layers:
// exponential backoff of transient provider errors, and CASLoop, the
// read / mutate / conditional-write loop shared by every optimistic update.
package retry
