package candidates

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several kiln deployments can share one Redis server.
//
// Key pattern: kiln:{instance_name}:{collection}[:{kind}]

// Bounded log capacities. Oldest entries are evicted first.
const (
	MaxEvents  = 2000
	MaxChanges = 50
	MaxErrors  = 50
)

// CandidatesKey returns the Redis key for the candidate record hash of a kind.
// Hash fields are candidate ids, values are JSON records.
// Pattern: kiln:{instance_name}:candidates:{kind}
func CandidatesKey(instanceName string, kind Kind) string {
	return fmt.Sprintf("kiln:%s:candidates:%s", instanceName, kind)
}

// OverridesKey returns the Redis key for the override flag hash of a kind.
// Hash fields are candidate ids, values are "1" or "0".
// Pattern: kiln:{instance_name}:overrides:{kind}
func OverridesKey(instanceName string, kind Kind) string {
	return fmt.Sprintf("kiln:%s:overrides:%s", instanceName, kind)
}

// EventsKey returns the Redis key for the bounded lifecycle event list.
// Pattern: kiln:{instance_name}:events
func EventsKey(instanceName string) string {
	return fmt.Sprintf("kiln:%s:events", instanceName)
}

// ChangesKey returns the Redis key for the bounded promotion change list.
// Pattern: kiln:{instance_name}:changes
func ChangesKey(instanceName string) string {
	return fmt.Sprintf("kiln:%s:changes", instanceName)
}

// ErrorsKey returns the Redis key for the bounded error list.
// Pattern: kiln:{instance_name}:errors
func ErrorsKey(instanceName string) string {
	return fmt.Sprintf("kiln:%s:errors", instanceName)
}

// EnabledKey returns the Redis key of the global enable flag.
// Pattern: kiln:{instance_name}:enabled
func EnabledKey(instanceName string) string {
	return fmt.Sprintf("kiln:%s:enabled", instanceName)
}

// HeartbeatKey returns the Redis key of the liveness timestamp.
// Pattern: kiln:{instance_name}:heartbeat
func HeartbeatKey(instanceName string) string {
	return fmt.Sprintf("kiln:%s:heartbeat", instanceName)
}

// CandidateEventsChannel returns the Pub/Sub channel that carries every
// candidate record write.
// Pattern: kiln:{instance_name}:candidate_events
func CandidateEventsChannel(instanceName string) string {
	return fmt.Sprintf("kiln:%s:candidate_events", instanceName)
}
