package orchestrator

import (
	"sync"
	"time"
)

// SkillLimiter rate-limits ExecuteSkill dispatch per skill name with
// a token bucket per skill, refilled to full capacity on a fixed
// period. Adapted from octoreflex's budget.Bucket, which keys a
// single bucket by escalation.State; here every skill name gets its
// own bucket, created lazily on first use.
type SkillLimiter struct {
	mu           sync.Mutex
	capacity     int
	refillPeriod time.Duration
	buckets      map[string]*skillBucket
}

type skillBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewSkillLimiter constructs a limiter. A non-positive capacity
// becomes 30 and a non-positive refillPeriod becomes one minute.
func NewSkillLimiter(capacity int, refillPeriod time.Duration) *SkillLimiter {
	if capacity <= 0 {
		capacity = 30
	}
	if refillPeriod <= 0 {
		refillPeriod = time.Minute
	}
	return &SkillLimiter{
		capacity:     capacity,
		refillPeriod: refillPeriod,
		buckets:      make(map[string]*skillBucket),
	}
}

// Allow consumes one token for skill, refilling its bucket to full
// capacity if refillPeriod has elapsed since its last refill.
func (l *SkillLimiter) Allow(skill string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[skill]
	if !ok {
		b = &skillBucket{tokens: l.capacity, lastRefill: time.Now()}
		l.buckets[skill] = b
	}
	if time.Since(b.lastRefill) >= l.refillPeriod {
		b.tokens = l.capacity
		b.lastRefill = time.Now()
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Remaining reports the current token count for skill (capacity if
// never consumed).
func (l *SkillLimiter) Remaining(skill string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[skill]; ok {
		return b.tokens
	}
	return l.capacity
}
