package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"testline/internal/repo"
)

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty disables bearer auth.
	JWTSecret string
	// AllowLegacyActorHeader accepts a bare X-Actor-Id header. Meant for
	// local single-user workspaces and tests, not shared deployments.
	AllowLegacyActorHeader bool
}

// Principal identifies the authenticated caller.
type Principal struct {
	ActorID string
	Source  string // "jwt", "api_key" or "header"
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p.ActorID, nil
}

// newAuthMiddleware resolves credentials to a Principal. Requests with no
// credentials pass through unauthenticated; handlers decide whether that is
// acceptable. Requests with bad credentials are rejected here.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		"/docs":                              true,
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "openapi.json"):  true,
		path.Join(basePath, "openapi"):       true,
		path.Join(basePath, "openapi.yaml"):  true,
		path.Join(basePath, "schemas") + "/": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if public[req.URL.Path] || strings.HasPrefix(req.URL.Path, path.Join(basePath, "schemas")+"/") {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := resolvePrincipal(req, cfg, r)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			if principal.ActorID != "" {
				req = req.WithContext(context.WithValue(req.Context(), principalKey{}, principal))
			}
			next.ServeHTTP(w, req)
		})
	}
}

func resolvePrincipal(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, huma.StatusError) {
	if h := req.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authorization header must use the Bearer scheme", nil)
		}
		if cfg.JWTSecret == "" {
			return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "bearer auth is not configured", nil)
		}
		actor, err := verifyJWT(raw, cfg.JWTSecret)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid bearer token", nil)
		}
		return Principal{ActorID: actor, Source: "jwt"}, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		k, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid api key", nil)
			}
			return Principal{}, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
		}
		return Principal{ActorID: k.ActorID, Source: "api_key"}, nil
	}
	if cfg.AllowLegacyActorHeader {
		if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" {
			return Principal{ActorID: actor, Source: "header"}, nil
		}
	}
	return Principal{}, nil
}

func verifyJWT(raw, secret string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// SignActorToken issues an HS256 token for an actor id. Used by the CLI.
func SignActorToken(actorID, secret string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": actorID})
	return tok.SignedString([]byte(secret))
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	if ae, ok := err.(*apiError); ok {
		json.NewEncoder(w).Encode(map[string]apiErrorBody{"error": ae.Body})
		return
	}
	json.NewEncoder(w).Encode(map[string]apiErrorBody{"error": {
		Code:    defaultCodeForStatus(err.GetStatus()),
		Message: err.Error(),
	}})
}
