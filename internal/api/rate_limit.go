package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// allow charges cost tokens to the caller and writes the 429 response when
// the bucket is empty. Limiter errors fail open.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, cost int64) bool {
	if s.rateLimiter == nil {
		return true
	}

	subject := s.subject(r) + ":" + routeLabel(r.URL.Path)
	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	if err != nil {
		s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (s *Server) subject(r *http.Request) string {
	if s.subjectHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(s.subjectHeader)); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "anonymous"
	}
	return host
}
