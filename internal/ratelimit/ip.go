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

package ratelimit

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

const ipSessionPrefix = "ip_"

// IPLimiter keys sessions by client address and delegates to a Limiter.
type IPLimiter struct {
	limiter *Limiter

	mu  sync.Mutex
	ids map[string]string
}

func NewIPLimiter(limiter *Limiter) *IPLimiter {
	return &IPLimiter{
		limiter: limiter,
		ids:     make(map[string]string),
	}
}

// SessionID returns the session id for addr, creating the mapping on first use.
// A trailing port is ignored.
func (l *IPLimiter) SessionID(addr string) string {
	host := normalizeAddr(addr)

	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.ids[host]
	if !ok {
		id = ipSessionPrefix + host
		l.ids[host] = id
	}
	return id
}

func (l *IPLimiter) CheckLimit(addr string) error {
	return l.limiter.CheckLimit(l.SessionID(addr))
}

func (l *IPLimiter) RecordRequest(addr, endpoint string, success bool) {
	l.limiter.RecordRequest(l.SessionID(addr), endpoint, success)
}

func (l *IPLimiter) Remaining(addr string) int {
	return l.limiter.Remaining(l.SessionID(addr))
}

func (l *IPLimiter) Block(addr string, d time.Duration) {
	l.limiter.Block(l.SessionID(addr), d)
}

func (l *IPLimiter) Unblock(addr string) {
	l.limiter.Unblock(l.SessionID(addr))
}

func (l *IPLimiter) Reset(addr string) {
	l.limiter.Reset(l.SessionID(addr))
}

func (l *IPLimiter) Session(addr string) (Snapshot, bool) {
	return l.limiter.Session(l.SessionID(addr))
}

// Cleanup sweeps the underlying limiter and drops address mappings whose
// session was evicted.
func (l *IPLimiter) Cleanup() int {
	evicted := l.limiter.Cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	for host, id := range l.ids {
		if !l.limiter.hasSession(id) {
			delete(l.ids, host)
		}
	}
	return evicted
}

// Start runs Cleanup on the delegate's interval until ctx is done or Stop is called.
func (l *IPLimiter) Start(ctx context.Context) {
	l.limiter.run(ctx, l.Cleanup)
}

func (l *IPLimiter) Stop() {
	l.limiter.Stop()
}

// Limiter exposes the delegate, for lifecycle management.
func (l *IPLimiter) Limiter() *Limiter {
	return l.limiter
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
