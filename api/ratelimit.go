package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

type attemptRecord struct {
	count       int
	lastRequest time.Time
	lockedUntil time.Time
}

// ---------------------------------------------------------------------------
// Per-IP registration limiter
// ---------------------------------------------------------------------------
//
// Every ceremony start writes a challenge document and every finish runs
// signature verification, so registration traffic is throttled per source IP
// regardless of outcome. Legitimate users register a handful of devices,
// ever; sustained bursts from one origin are scripts.

const (
	// regIPMaxRequests is the maximum ceremony requests per IP before lockout.
	regIPMaxRequests = 10
	// regIPBaseLockout is the initial lockout duration for per-IP throttling.
	regIPBaseLockout = 1 * time.Minute
	// regIPMaxLockout caps the exponential backoff.
	regIPMaxLockout = 30 * time.Minute
	// regIPExpiry is how long after the last request before the record expires.
	regIPExpiry = 1 * time.Hour
)

type registrationIPLimiter struct {
	mu       sync.Mutex
	requests map[string]*attemptRecord
}

func newRegistrationIPLimiter() *registrationIPLimiter {
	return &registrationIPLimiter{
		requests: make(map[string]*attemptRecord),
	}
}

// check returns whether requests from ip are currently locked out, along
// with how long the caller should wait. A zero duration means the request
// may proceed.
func (rl *registrationIPLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.requests[ip]
	if !ok {
		return false, 0
	}
	if time.Since(rec.lastRequest) > regIPExpiry {
		delete(rl.requests, ip)
		return false, 0
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, time.Until(rec.lockedUntil)
	}
	return false, 0
}

// record counts a ceremony request for the given IP and applies exponential
// backoff once the burst allowance is exhausted.
func (rl *registrationIPLimiter) record(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.requests[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.requests[ip] = rec
	}
	rec.count++
	rec.lastRequest = time.Now()

	if rec.count >= regIPMaxRequests {
		shift := rec.count - regIPMaxRequests
		lockout := regIPBaseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > regIPMaxLockout {
				lockout = regIPMaxLockout
				break
			}
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
}

// sweep removes expired records. Call periodically from a background goroutine.
func (rl *registrationIPLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, rec := range rl.requests {
		if now.Sub(rec.lastRequest) > regIPExpiry {
			delete(rl.requests, ip)
		}
	}
}

// ---------------------------------------------------------------------------
// Global registration limiter (sliding window)
// ---------------------------------------------------------------------------

const (
	regGlobalWindow      = 1 * time.Minute
	regGlobalMaxRequests = 100
	regGlobalLockout     = 5 * time.Minute
)

// registrationGlobalLimiter tracks total ceremony requests across all IPs to
// contain distributed resource-exhaustion attacks.
type registrationGlobalLimiter struct {
	mu          sync.Mutex
	requests    []time.Time
	lockedUntil time.Time
}

func newRegistrationGlobalLimiter() *registrationGlobalLimiter {
	return &registrationGlobalLimiter{}
}

func (rl *registrationGlobalLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Now().Before(rl.lockedUntil) {
		return true, time.Until(rl.lockedUntil)
	}
	return false, 0
}

func (rl *registrationGlobalLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.requests = append(rl.requests, now)

	// Trim requests outside the window.
	cutoff := now.Add(-regGlobalWindow)
	start := 0
	for start < len(rl.requests) && rl.requests[start].Before(cutoff) {
		start++
	}
	rl.requests = rl.requests[start:]

	if len(rl.requests) >= regGlobalMaxRequests {
		rl.lockedUntil = now.Add(regGlobalLockout)
	}
}

// throttleRegistration applies the global and per-IP ceremony limiters to a
// registration request. It writes the 429 response itself and returns false
// when the request must be dropped; otherwise it counts the request against
// both limiters and returns true.
func (a *API) throttleRegistration(w http.ResponseWriter, r *http.Request) bool {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditRegistrationRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return false
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditRegistrationRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return false
	}
	a.globalLimiter.record()
	a.ipLimiter.record(clientIP)
	return true
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting. It delegates to
// extractClientIPWithProxies using the API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. This prevents untrusted clients from
// spoofing their source IP via headers.
//
// When trustedProxies is nil or empty (the default), proxy headers are
// never consulted and RemoteAddr is always returned. To trust proxy
// headers, the operator must explicitly configure --trusted-proxies.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	// Determine whether the direct peer is trusted.
	// Default: trust no proxy headers unless explicitly configured.
	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					raw := strings.TrimSpace(param[4:])
					if ip, ok := parseIPCandidate(raw); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return ""
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Remove IPv6 brackets if present.
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	// As a fallback, allow net.ParseIP normalization.
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}
