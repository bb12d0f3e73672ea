package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket names one rate-limit category.
type Bucket string

const (
	// BucketLogin guards /api/auth/login.
	BucketLogin Bucket = "login"
	// BucketGeneral guards the bulk of the API.
	BucketGeneral Bucket = "general"
	// BucketStrict guards expensive or sensitive endpoints.
	BucketStrict Bucket = "strict"
	// BucketOrchestratorCreate guards orchestrator creation.
	BucketOrchestratorCreate Bucket = "orchestrator-create"
)

type bucketSpec struct {
	window time.Duration
	max    int
}

var bucketSpecs = map[Bucket]bucketSpec{
	BucketLogin:              {window: 15 * time.Minute, max: 5},
	BucketGeneral:            {window: time.Minute, max: 200},
	BucketStrict:             {window: time.Minute, max: 10},
	BucketOrchestratorCreate: {window: time.Minute, max: 10},
}

// limiterSet holds one rate.Limiter per (bucket, source) pair.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[Bucket]map[string]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	ls := &limiterSet{limiters: make(map[Bucket]map[string]*rate.Limiter)}
	for bucket := range bucketSpecs {
		ls.limiters[bucket] = make(map[string]*rate.Limiter)
	}
	return ls
}

func (ls *limiterSet) get(bucket Bucket, source string) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	bySource, ok := ls.limiters[bucket]
	if !ok {
		bySource = make(map[string]*rate.Limiter)
		ls.limiters[bucket] = bySource
	}
	limiter, ok := bySource[source]
	if !ok {
		spec := bucketSpecs[bucket]
		perSecond := float64(spec.max) / spec.window.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), spec.max)
		bySource[source] = limiter
	}
	return limiter
}

// Allow consumes one token from the (bucket, source) limiter. On refusal it
// also reports when the next token becomes available.
func (g *Gate) Allow(bucket Bucket, source string) (bool, time.Duration) {
	limiter := g.limits.get(bucket, source)
	if limiter.Allow() {
		return true, 0
	}
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, delay
}

// LimiterCount reports the number of live per-source limiters, for stats.
func (g *Gate) LimiterCount() int {
	g.limits.mu.Lock()
	defer g.limits.mu.Unlock()
	total := 0
	for _, bySource := range g.limits.limiters {
		total += len(bySource)
	}
	return total
}
