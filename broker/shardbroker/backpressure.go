package shardbroker

import (
	"time"

	"github.com/getlantern/eventbus/util"
)

const (
	// shards are considered under pressure once they hold more than this fraction of maxQueueSize
	backpressureThreshold = 0.9
	// the delay grows by the full base delay over this fraction of maxQueueSize
	backpressureRamp = 0.1
)

// BackpressureDelay computes how long to delay a publisher whose shard currently holds size events. Up to 90%
// of maxQueueSize there's no delay. Beyond that, the delay increases linearly, reaching base at
// maxQueueSize and continuing to grow until the shard is full at twice maxQueueSize.
func BackpressureDelay(size int, maxQueueSize int, base time.Duration) time.Duration {
	if maxQueueSize <= 0 {
		return 0
	}
	nominal := float64(maxQueueSize)
	threshold := nominal * backpressureThreshold
	if float64(size) <= threshold {
		return 0
	}
	return util.Millis(util.ToMillis(base) * (float64(size) - threshold) / (nominal * backpressureRamp))
}
