package gameapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/apierr"
	"github.com/gamebuddies/orchestrator/internal/auth"
	"github.com/gamebuddies/orchestrator/internal/models"
)

const apiKeyHeader = "x-api-key"

// keyCacheTTL bounds how long a verified secret skips the argon2 comparison.
const keyCacheTTL = time.Minute

type cachedKey struct {
	key     *models.APIKey
	expires time.Time
}

// resolveAPIKey maps a presented secret to its APIKey row. Argon2 comparisons
// are expensive, so verified secrets are cached briefly.
func (s *Server) resolveAPIKey(ctx context.Context, secret string) (*models.APIKey, error) {
	if secret == "" {
		return nil, apierr.New(apierr.CodeUnauthorized)
	}

	s.keyMu.Lock()
	if c, ok := s.keyCache[secret]; ok && time.Now().Before(c.expires) {
		s.keyMu.Unlock()
		return c.key, nil
	}
	s.keyMu.Unlock()

	keys, err := s.repo.ListActiveAPIKeys(ctx)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeDatabaseError, err)
	}
	for _, k := range keys {
		match, err := auth.CompareKeyAndHash(secret, k.KeyHash)
		if err != nil {
			s.logger.Warnf("malformed key hash for service %s: %v", k.ServiceName, err)
			continue
		}
		if match {
			s.keyMu.Lock()
			s.keyCache[secret] = cachedKey{key: k, expires: time.Now().Add(keyCacheTTL)}
			s.keyMu.Unlock()
			return k, nil
		}
	}

	s.repo.LogEvent(ctx, uuid.Nil, nil, "invalid_api_key", map[string]interface{}{
		"header": apiKeyHeader,
	})
	return nil, apierr.New(apierr.CodeInvalidAPIKey)
}

type keyedHandler func(w http.ResponseWriter, r *http.Request, key *models.APIKey)

// authed wraps a handler with API-key auth, an optional permission check and
// the per-(service, endpoint) rate limiter. Rate-limit headers go out on
// every authenticated response.
func (s *Server) authed(endpoint, perm string, h keyedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := s.resolveAPIKey(r.Context(), r.Header.Get(apiKeyHeader))
		if err != nil {
			apierr.Write(w, err)
			return
		}
		if perm != "" && !key.Has(perm) {
			s.logger.WithFields(logrus.Fields{
				"service": key.ServiceName, "perm": perm,
			}).Info("api key lacks permission")
			apierr.Write(w, apierr.New(apierr.CodeForbidden))
			return
		}

		d := s.limiter.Allow(key.ServiceName, endpoint, key.RateLimit)
		writeRateHeaders(w, d)
		if !d.Allowed {
			apierr.Write(w, apierr.New(apierr.CodeRateLimited))
			return
		}
		h(w, r, key)
	}
}

// admin guards internal admin routes behind the master key. The master key is
// configured out of band and is distinct from per-game keys.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.masterKey == "" {
			apierr.Write(w, apierr.New(apierr.CodeForbidden))
			return
		}
		presented := r.Header.Get(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.masterKey)) != 1 {
			apierr.Write(w, apierr.New(apierr.CodeInvalidAPIKey))
			return
		}
		h(w, r)
	}
}
