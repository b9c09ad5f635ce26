// Package candidates provides the Redis-backed metadata store for kiln
// candidates.
//
// Each generated artifact has one candidate record keyed by (kind, id). The
// store keeps three families of data for an instance:
//
//   - Records: one hash per kind, field = id, value = JSON record.
//   - Override flags: one hash per kind, "1" when the candidate should shadow
//     the stable artifact of the same id.
//   - Bounded logs: lifecycle events, promotion changes and errors, each a
//     capped Redis list with the newest entry first.
//
// Every record write is also published on a Pub/Sub channel so that other
// processes can follow the lifecycle without polling.
//
// Read-modify-write sequences go through Mutate, which uses WATCH/MULTI so
// that two writers touching the same record never lose each other's update.
//
// Example:
//
//	client, _ := candidates.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	defer client.Close()
//
//	cand, err := client.Get(ctx, candidates.KindPlugin, "weather")
//	if candidates.IsNotFound(err) {
//	    // no record
//	}
package candidates
