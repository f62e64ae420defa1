package lanes

import (
	"fmt"
	"time"

	"github.com/yourorg/backrun/internal/domain"
)

// Redis key naming for backrun data. All keys carry the "backrun:" prefix
// to avoid collisions with anything else on the instance.

// TTLFloor is the minimum lifetime of the per-job ephemeral keys. Keys
// are TTL-bound to max(jobTimeout, TTLFloor) so cancellation and progress
// signaling stay valid for the whole run of a slow job without manual TTL
// extension logic scattered through the system.
const TTLFloor = time.Hour

// KeyTTL returns the TTL for a job's ephemeral keys given its timeout.
func KeyTTL(timeout time.Duration) time.Duration {
	if timeout < TTLFloor {
		return TTLFloor
	}
	return timeout
}

func laneKey(lane domain.Lane) string {
	return fmt.Sprintf("backrun:lane:%s", lane)
}

func progressKey(jobID string) string {
	return fmt.Sprintf("backrun:job:%s:progress", jobID)
}

func heartbeatKey(jobID string) string {
	return fmt.Sprintf("backrun:job:%s:heartbeat", jobID)
}

func cancelKey(jobID string) string {
	return fmt.Sprintf("backrun:job:%s:cancel", jobID)
}

func enqueueLockKey(jobID string) string {
	return fmt.Sprintf("backrun:job:%s:enqueue_lock", jobID)
}
