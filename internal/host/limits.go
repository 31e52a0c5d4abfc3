package host

import (
	"errors"
	"net"
	"sync"
	"time"
)

var (
	errRateLimited = errors.New("rate limit exceeded")
	errConnLimit   = errors.New("connection limit reached")
)

// admission enforces the per-address connect rate and the concurrent
// connection cap. Zero values disable the respective limit.
type admission struct {
	perSec   float64
	burst    float64
	maxConns int
	now      func() time.Time

	mu     sync.Mutex
	inUse  int
	credit map[string]*allowance
}

type allowance struct {
	tokens float64
	at     time.Time
}

func newAdmission(perMinute float64, burst, maxConns int) *admission {
	if burst < 1 {
		burst = 1
	}
	return &admission{
		perSec:   max(perMinute, 0) / 60,
		burst:    float64(burst),
		maxConns: maxConns,
		now:      time.Now,
		credit:   make(map[string]*allowance),
	}
}

// acquire admits one connection from remoteAddr. The returned release must
// be called exactly once when the connection ends.
func (a *admission) acquire(remoteAddr string) (release func(), err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.spend(addrHost(remoteAddr)) {
		return nil, errRateLimited
	}
	if a.maxConns > 0 && a.inUse >= a.maxConns {
		return nil, errConnLimit
	}
	a.inUse++

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.inUse--
			a.mu.Unlock()
		})
	}, nil
}

// spend must be called with a.mu held.
func (a *admission) spend(ip string) bool {
	if a.perSec <= 0 || ip == "" {
		return true
	}
	now := a.now()
	c, ok := a.credit[ip]
	if !ok {
		a.prune(now)
		c = &allowance{tokens: a.burst, at: now}
		a.credit[ip] = c
	}
	c.tokens = min(a.burst, c.tokens+now.Sub(c.at).Seconds()*a.perSec)
	c.at = now
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

// prune drops addresses whose allowance has fully refilled.
func (a *admission) prune(now time.Time) {
	full := time.Duration(a.burst / a.perSec * float64(time.Second))
	for ip, c := range a.credit {
		if now.Sub(c.at) >= full {
			delete(a.credit, ip)
		}
	}
}

func (a *admission) active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

func addrHost(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
