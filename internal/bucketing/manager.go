package bucketing

import (
	"fmt"
	"hash"
	"sync"
	"time"

	"checkout-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys onto stable buckets and wall-clock windows. The
// rate limiter uses time buckets for its fixed windows; the audit and analytics
// sinks use date and event buckets for index names and shard columns.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
	now          func() time.Time
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	buckets := cfg.Bucketing.EventBuckets
	if buckets <= 0 {
		buckets = 64
	}
	return &BucketingManager{
		eventBuckets: buckets,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New64()
			},
		},
		now: time.Now,
	}
}

// WithClock replaces the time source.
func (bm *BucketingManager) WithClock(now func() time.Time) *BucketingManager {
	bm.now = now
	return bm
}

func (bm *BucketingManager) Now() time.Time {
	return bm.now()
}

// GetEventBucket returns a stable bucket in [0, eventBuckets) for a key.
func (bm *BucketingManager) GetEventBucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.eventBuckets))
}

// GetTimeBucket returns the unix start of the window containing now.
func (bm *BucketingManager) GetTimeBucket(window time.Duration) int64 {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return bm.now().Unix() / seconds * seconds
}

// WindowRemaining returns how long the current window has left.
func (bm *BucketingManager) WindowRemaining(window time.Duration) time.Duration {
	end := time.Unix(bm.GetTimeBucket(window), 0).Add(window)
	return end.Sub(bm.now())
}

// GetDateBucket returns the UTC day, used for daily index names.
func (bm *BucketingManager) GetDateBucket() string {
	return bm.now().UTC().Format("2006.01.02")
}

// IndexName builds a daily index name such as payment-audit-2025.01.31.
func (bm *BucketingManager) IndexName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, bm.GetDateBucket())
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
