// Package failover routes a single stream of location samples around a
// stalled primary source.
//
// A Controller subscribes to a primary Source and arms a staleness timer.
// Every sample from the primary re-arms it. When it expires the controller
// drops the primary, starts the secondary Source and stays on it for a fixed
// dwell, regardless of how the secondary behaves, then goes back to the
// primary.
//
// # States
//
//	Idle --Start--> UsingPrimary
//	UsingPrimary --staleness timeout--> UsingSecondary   (switch count +1)
//	UsingSecondary --dwell timeout--> UsingPrimary
//	any --Stop / ctx done / provider error--> Idle
//
// # Concurrency
//
// Each session owns one goroutine that serializes samples, provider errors,
// timer expiries and stop requests. Timers and provider subscriptions carry a
// generation number; anything tagged with an old generation is dropped, so a
// superseded timer never fires a transition and a sample from a provider that
// was already unsubscribed never reaches the subscriber.
//
// Subscriber callbacks run on a separate per-session goroutine fed by an
// ordered queue. The session loop never waits on the subscriber.
//
// # Errors
//
// Provider registration failures, provider runtime errors and timer arming
// failures are terminal for the session: they are reported once through
// Subscriber.OnError and the controller returns to Idle. The caller decides
// whether to Start again.
package failover
