// Package dedupe tracks recently seen keys so redelivered messages can be
// dropped. Entries expire after a TTL and the oldest are evicted once the
// cache is full. Time comes from a clock.Clock so expiry is testable.
package dedupe
