// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	ipMaxRatePerSec = 10
	ipMaxBurstSize  = 20
)

// ipRateLimiter is used to track an IP's HTTP request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// limiterPool holds the global and per-IP limiters. The global limiter is a
// rudimentary auto-spam filter over all action routes.
type limiterPool struct {
	global *rate.Limiter
	mtx    sync.Mutex
	perIP  map[string]*ipRateLimiter
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		global: rate.NewLimiter(100, 1000), // rate per sec, max burst
		perIP:  make(map[string]*ipRateLimiter),
	}
}

// get returns the ipRateLimiter for the IP, creating one if it doesn't exist.
func (p *limiterPool) get(ip string) *ipRateLimiter {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	limiter := p.perIP[ip]
	if limiter != nil {
		limiter.lastHit = time.Now()
		return limiter
	}
	limiter = &ipRateLimiter{
		Limiter: rate.NewLimiter(ipMaxRatePerSec, ipMaxBurstSize),
		lastHit: time.Now(),
	}
	p.perIP[ip] = limiter
	return limiter
}

// clean drops limiters idle for over a minute.
func (p *limiterPool) clean() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for ip, limiter := range p.perIP {
		if time.Since(limiter.lastHit) > time.Minute {
			delete(p.perIP, ip)
		}
	}
}

// meterIP applies the global rate limiter and the more restrictive IP-based
// rate limiter.
func (p *limiterPool) meterIP(ip string) (int, error) {
	if !p.global.Allow() {
		return http.StatusTooManyRequests, fmt.Errorf("too many global requests")
	}
	if !p.get(ip).Allow() {
		return http.StatusTooManyRequests, fmt.Errorf("too many requests")
	}
	return 0, nil
}

// limitRate is rate-limiting middleware that checks whether a request can be
// fulfilled.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		code, err := s.limiters.meterIP(ip)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSONWithStatus writes the JSON response with the specified HTTP
// response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(thing)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Errorf("JSON encode error: %v", err)
		return
	}
	w.WriteHeader(code)
	if _, err = w.Write(append(b, byte('\n'))); err != nil {
		log.Errorf("Write error: %v", err)
	}
}
