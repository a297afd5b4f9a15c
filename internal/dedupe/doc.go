// Package dedupe provides a bounded, TTL-based cache of recently seen keys.
//
// The relay uses it to retire correlation ids: a worker marks an id when a
// send times out or is cancelled, so a response arriving afterwards is
// recognised as late and dropped quietly instead of being reported as
// unknown. The host marks every routed request id and rejects a request that
// reuses an id still in the cache.
//
// Usage:
//
//	retired := dedupe.New[string](5*time.Minute, 100_000, time.Minute)
//	defer retired.Close()
//
//	if retired.CheckAndMark(requestID) {
//	    // duplicate
//	}
//
// Marking moves a key to the back of the eviction order; once maxSize keys
// are held the oldest is evicted.
package dedupe
