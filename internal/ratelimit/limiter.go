/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ratelimit implements a per-session sliding window limiter with
// temporary blocking.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/sirupsen/logrus"
)

type Config struct {
	MaxRequests     int
	Window          time.Duration
	CleanupInterval time.Duration
	HistoryCapacity int
	HistoryTrimTo   int
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:     10,
		Window:          time.Minute,
		CleanupInterval: time.Minute,
		HistoryCapacity: 100,
		HistoryTrimTo:   50,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.Window
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = d.HistoryCapacity
	}
	if c.HistoryTrimTo <= 0 || c.HistoryTrimTo > c.HistoryCapacity {
		c.HistoryTrimTo = c.HistoryCapacity / 2
	}
	return c
}

// HistoryEntry records one request outcome. History is diagnostic only.
type HistoryEntry struct {
	Endpoint string    `json:"endpoint"`
	Success  bool      `json:"success"`
	At       time.Time `json:"at"`
}

type session struct {
	requestCount    int
	lastRequestTime time.Time
	isBlocked       bool
	blockUntil      *time.Time
	history         []HistoryEntry
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID              string         `json:"id"`
	RequestCount    int            `json:"request_count"`
	LastRequestTime time.Time      `json:"last_request_time"`
	IsBlocked       bool           `json:"is_blocked"`
	BlockUntil      *time.Time     `json:"block_until,omitempty"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// Limiter tracks sessions in memory. All methods are safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:      cfg.normalized(),
		now:      time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// getSession must be called with l.mu held.
func (l *Limiter) getSession(id string, now time.Time) *session {
	s, ok := l.sessions[id]
	if !ok {
		s = &session{lastRequestTime: now}
		l.sessions[id] = s
	}
	return s
}

// CheckLimit returns nil when the session may proceed, or a rate limit
// APIError carrying the number of seconds to wait.
func (l *Limiter) CheckLimit(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.getSession(sessionID, now)

	if s.isBlocked {
		if now.Before(*s.blockUntil) {
			return apierror.RateLimited(ceilSeconds(s.blockUntil.Sub(now)))
		}
		s.isBlocked = false
		s.blockUntil = nil
		s.requestCount = 0
	}

	if now.Sub(s.lastRequestTime) >= l.cfg.Window {
		s.requestCount = 0
	}

	if s.requestCount >= l.cfg.MaxRequests {
		until := now.Add(l.cfg.Window)
		s.isBlocked = true
		s.blockUntil = &until
		logrus.WithFields(logrus.Fields{
			"session_id":  sessionID,
			"count":       s.requestCount,
			"block_until": until,
		}).Warn("session exceeded rate limit")
		return apierror.RateLimited(ceilSeconds(l.cfg.Window))
	}
	return nil
}

// RecordRequest counts a request against the session and appends it to the
// bounded history.
func (l *Limiter) RecordRequest(sessionID, endpoint string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.getSession(sessionID, now)
	s.requestCount++
	s.lastRequestTime = now

	s.history = append(s.history, HistoryEntry{Endpoint: endpoint, Success: success, At: now})
	if len(s.history) > l.cfg.HistoryCapacity {
		kept := make([]HistoryEntry, l.cfg.HistoryTrimTo)
		copy(kept, s.history[len(s.history)-l.cfg.HistoryTrimTo:])
		s.history = kept
	}
}

// Reset forgets the session entirely.
func (l *Limiter) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Block blocks the session for d regardless of its request count.
func (l *Limiter) Block(sessionID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.getSession(sessionID, now)
	until := now.Add(d)
	s.isBlocked = true
	s.blockUntil = &until
}

// Unblock lifts a block and restarts the count.
func (l *Limiter) Unblock(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return
	}
	s.isBlocked = false
	s.blockUntil = nil
	s.requestCount = 0
}

// Remaining reports how many requests the session can still make in the
// current window. It is 0 while blocked.
func (l *Limiter) Remaining(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return l.cfg.MaxRequests
	}
	now := l.now()
	if s.isBlocked {
		if now.Before(*s.blockUntil) {
			return 0
		}
		return l.cfg.MaxRequests
	}
	if now.Sub(s.lastRequestTime) >= l.cfg.Window {
		return l.cfg.MaxRequests
	}
	remaining := l.cfg.MaxRequests - s.requestCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Session returns a copy of the session state, if the session exists.
func (l *Limiter) Session(sessionID string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		ID:              sessionID,
		RequestCount:    s.requestCount,
		LastRequestTime: s.lastRequestTime,
		IsBlocked:       s.isBlocked,
		History:         append([]HistoryEntry(nil), s.history...),
	}
	if s.blockUntil != nil {
		until := *s.blockUntil
		snap.BlockUntil = &until
	}
	return snap, true
}

func (l *Limiter) hasSession(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[sessionID]
	return ok
}

// Len returns the number of tracked sessions.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Cleanup clears expired blocks and evicts sessions idle for more than two
// windows. It returns the number of evicted sessions.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	idle := 2 * l.cfg.Window
	evicted := 0
	for id, s := range l.sessions {
		if s.isBlocked && !now.Before(*s.blockUntil) {
			s.isBlocked = false
			s.blockUntil = nil
			s.requestCount = 0
		}
		if !s.isBlocked && now.Sub(s.lastRequestTime) > idle {
			delete(l.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"evicted":   evicted,
			"remaining": len(l.sessions),
		}).Debug("rate limiter cleanup")
	}
	return evicted
}

// Start runs Cleanup every CleanupInterval until ctx is done or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.run(ctx, l.Cleanup)
}

func (l *Limiter) run(ctx context.Context, sweep func() int) {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return
	}
	l.done = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

// Stop ends the cleanup loop and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
