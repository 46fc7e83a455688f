package registry

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/dockerhost"
	"github.com/KingCide/Mariner/internal/logutil"
)

// Two independent limits protect remote hosts from connect storms: a
// sliding window of attempts per minute, and a temporary block after too
// many consecutive failures.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type hostRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter throttles connect attempts per host id.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*hostRateState
	nowFn  func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*hostRateState),
		nowFn:  time.Now,
	}
}

// Allow records an attempt for hostID, or returns a connect error if the
// host is blocked or over its per-minute budget.
func (rl *RateLimiter) Allow(hostID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreate(hostID)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		log.Warnf("[registry] rate limit: %s blocked for %s (%d consecutive failures)",
			logutil.SanitizeForLog(hostID), remaining, s.consecFailures)
		return fmt.Errorf("%w: connection to %s blocked for %s after %d consecutive failures",
			dockerhost.ErrConnect, logutil.SanitizeForLog(hostID), remaining, s.consecFailures)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Warnf("[registry] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(hostID), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("%w: rate limit exceeded for %s: %d attempts in the last minute (max %d)",
			dockerhost.ErrConnect, logutil.SanitizeForLog(hostID), len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any active block.
func (rl *RateLimiter) RecordSuccess(hostID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.getOrCreate(hostID)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

func (rl *RateLimiter) RecordFailure(hostID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreate(hostID)
	s.consecFailures++
	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		log.Warnf("[registry] rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(hostID), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

func (rl *RateLimiter) Status(hostID string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	status := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[hostID]
	if !ok {
		return status
	}

	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			status.RecentAttempts++
		}
	}
	status.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		status.Blocked = true
		status.BlockedUntil = &bu
	}
	return status
}

// Reset clears all limiter state for hostID.
func (rl *RateLimiter) Reset(hostID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, hostID)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreate(hostID string) *hostRateState {
	s, ok := rl.state[hostID]
	if !ok {
		s = &hostRateState{}
		rl.state[hostID] = s
	}
	return s
}
