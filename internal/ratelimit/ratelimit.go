// SPDX-License-Identifier: MIT

// Package ratelimit implements the ban-list and quota collaborators the
// Admission Front consults: an exact-or-CIDR IP ban list and a per-submitter
// daily quota.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Interface is the collaborator the Admission Front consumes.
type Interface interface {
	IsBanned(submitter string) bool
	CheckQuota(submitter string) (allowed bool, remaining int)
}

// BanList is a CIDR-or-exact-match ban list, mirroring models/ban.py.
type BanList struct {
	mu      sync.RWMutex
	entries []banEntry
}

type banEntry struct {
	raw string
	net *net.IPNet
}

// NewBanList returns an empty BanList.
func NewBanList() *BanList {
	return &BanList{}
}

// Ban adds an IP or CIDR to the list. Invalid CIDRs are kept as exact-match
// strings, mirroring the original's fallback behavior.
func (b *BanList) Ban(ipOrCIDR string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := banEntry{raw: ipOrCIDR}
	if _, n, err := net.ParseCIDR(ipOrCIDR); err == nil {
		entry.net = n
	} else if ip := net.ParseIP(ipOrCIDR); ip != nil {
		_, n, _ := net.ParseCIDR(ip.String() + "/32")
		if ip.To4() == nil {
			_, n, _ = net.ParseCIDR(ip.String() + "/128")
		}
		entry.net = n
	}
	b.entries = append(b.entries, entry)
}

// Unban removes every entry matching ipOrCIDR verbatim.
func (b *BanList) Unban(ipOrCIDR string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.raw != ipOrCIDR {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// IsBanned reports whether submitter (an IP address) matches any ban entry.
func (b *BanList) IsBanned(submitter string) bool {
	addr := net.ParseIP(submitter)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.raw == submitter {
			return true
		}
		if addr != nil && e.net != nil && e.net.Contains(addr) {
			return true
		}
	}
	return false
}

// Quota is a per-submitter daily token bucket, replacing the original's
// in-memory count-cache with golang.org/x/time/rate while preserving the
// same "N per day" semantics: the bucket is seeded with the full daily quota
// and refills continuously over 24h.
type Quota struct {
	perDay int
	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

// NewQuota returns a Quota allowing perDay submissions per submitter per
// rolling day.
func NewQuota(perDay int) *Quota {
	return &Quota{perDay: perDay, limits: make(map[string]*rate.Limiter)}
}

func (q *Quota) limiterFor(submitter string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.limits[submitter]
	if !ok {
		refillEvery := 24 * time.Hour / time.Duration(q.perDay)
		l = rate.NewLimiter(rate.Every(refillEvery), q.perDay)
		q.limits[submitter] = l
	}
	return l
}

// CheckQuota reports whether submitter may submit now, and how many
// submissions remain in its current burst allowance.
func (q *Quota) CheckQuota(submitter string) (bool, int) {
	l := q.limiterFor(submitter)
	allowed := l.Allow()
	remaining := int(l.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}
