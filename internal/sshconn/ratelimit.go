package sshconn

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshgate/internal/logutil"
)

// Rate limiting defaults (SPEC_FULL §Supplemented features: "Rate limiting
// on Connect"). Two independent mechanisms protect against connection
// storms: a sliding-window attempt limit, and a consecutive-failure block.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds configuration for the connect rate limiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type keyRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter enforces per-key (host+username) connection attempt limits.
// Grounded on the teacher's sshmanager/ratelimit.go, rekeyed from an
// instance name to the (host, username) pair this gateway dials.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*keyRateState
	nowFn  func() time.Time
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*keyRateState),
		nowFn:  time.Now,
	}
}

// key joins host and username into the limiter's bucket key.
func key(host, username string) string {
	return host + "|" + username
}

// Allow reports whether a connect attempt for (host, username) may proceed.
func (rl *RateLimiter) Allow(host, username string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	k := key(host, username)
	now := rl.nowFn()
	s := rl.getOrCreate(k)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Printf("[orchestrator] rate limit: %s blocked for %s (consecutive failures: %d)",
			logutil.SanitizeForLog(k), remaining, s.consecFailures)
		return fmt.Errorf("connection blocked for %s due to %d consecutive failures; retry after %s",
			logutil.SanitizeForLog(host), s.consecFailures, remaining)
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[orchestrator] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(k), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("rate limit exceeded for %s: %d connection attempts in the last minute (max %d)",
			logutil.SanitizeForLog(host), len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the consecutive-failure counter for (host, username).
func (rl *RateLimiter) RecordSuccess(host, username string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.getOrCreate(key(host, username))
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure increments the consecutive-failure counter for
// (host, username), blocking it once the threshold is reached.
func (rl *RateLimiter) RecordFailure(host, username string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.nowFn()
	s := rl.getOrCreate(key(host, username))
	s.consecFailures++
	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		log.Printf("[orchestrator] rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(key(host, username)), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// RateLimitStatus represents the current rate limit state for a key.
type RateLimitStatus struct {
	RecentAttempts    int
	MaxAttemptsPerMin int
	ConsecFailures    int
	MaxConsecFailures int
	Blocked           bool
	BlockedUntil      *time.Time
}

// GetStatus returns the current rate limit status for (host, username).
func (rl *RateLimiter) GetStatus(host, username string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s, ok := rl.state[key(host, username)]
	if !ok {
		return RateLimitStatus{
			MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
			MaxConsecFailures: rl.config.MaxConsecFailures,
		}
	}

	cutoff := now.Add(-1 * time.Minute)
	recent := 0
	for _, t := range s.attempts {
		if t.After(cutoff) {
			recent++
		}
	}

	blocked := now.Before(s.blockedUntil)
	var blockedUntil *time.Time
	if blocked {
		bu := s.blockedUntil
		blockedUntil = &bu
	}

	return RateLimitStatus{
		RecentAttempts:    recent,
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		ConsecFailures:    s.consecFailures,
		MaxConsecFailures: rl.config.MaxConsecFailures,
		Blocked:           blocked,
		BlockedUntil:      blockedUntil,
	}
}

// Reset clears all rate limiting state for (host, username).
func (rl *RateLimiter) Reset(host, username string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, key(host, username))
}

func (rl *RateLimiter) getOrCreate(k string) *keyRateState {
	s, ok := rl.state[k]
	if !ok {
		s = &keyRateState{}
		rl.state[k] = s
	}
	return s
}
