// Package auth maps inbound HTTP credentials to stable tenant identifiers.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
)

// Mode selects how requests are authenticated.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
	ModeJWT      Mode = "jwt"
)

// ErrUnauthenticated means the request carried no valid credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrNotReady means the resolver cannot verify credentials yet (e.g. the
// JWKS endpoint is misconfigured or unreachable).
var ErrNotReady = errors.New("auth resolver not ready")

// Resolver maps an inbound credential to a tenant user id.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// Config holds resolver settings for all modes.
type Config struct {
	Mode          Mode
	DefaultUserID string

	// token mode: entries of the form "<sha256-hex>=<user-id>".
	Tokens []TokenEntry

	// jwt mode
	JWKSURL      string
	Issuer       string
	Audience     string
	Algorithms   []string // allowlist, default RS256+ES256
	MaxTokenAge  time.Duration
	SubjectClaim string // claim carrying the tenant id, default "sub"
}

// TokenEntry binds a hashed bearer token to a user.
type TokenEntry struct {
	SHA256Hex string
	UserID    string
}

// New builds a resolver for the configured mode.
func New(ctx context.Context, cfg Config) (Resolver, error) {
	switch cfg.Mode {
	case "", ModeDisabled:
		if cfg.DefaultUserID == "" {
			return nil, fmt.Errorf("disabled auth mode requires a default user id")
		}
		return &disabledResolver{userID: cfg.DefaultUserID}, nil
	case ModeToken:
		if len(cfg.Tokens) == 0 {
			return nil, fmt.Errorf("token auth mode requires at least one token")
		}
		for _, e := range cfg.Tokens {
			if len(e.SHA256Hex) != 64 || e.UserID == "" {
				return nil, fmt.Errorf("token entry must be <sha256-hex>=<user-id>")
			}
		}
		return &tokenResolver{tokens: cfg.Tokens}, nil
	case ModeJWT:
		if cfg.JWKSURL == "" || cfg.Issuer == "" || cfg.Audience == "" {
			return nil, fmt.Errorf("jwt auth mode requires JWKS URL, issuer, and audience")
		}
		algs := cfg.Algorithms
		if len(algs) == 0 {
			algs = []string{oidc.RS256, oidc.ES256}
		}
		keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		verifier := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
			ClientID:             cfg.Audience,
			SupportedSigningAlgs: algs,
		})
		subjectClaim := cfg.SubjectClaim
		if subjectClaim == "" {
			subjectClaim = "sub"
		}
		return &jwtResolver{
			verifier:     verifier,
			maxAge:       cfg.MaxTokenAge,
			subjectClaim: subjectClaim,
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type disabledResolver struct {
	userID string
}

func (d *disabledResolver) Resolve(*http.Request) (string, error) {
	return d.userID, nil
}

type tokenResolver struct {
	tokens []TokenEntry
}

func (t *tokenResolver) Resolve(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrUnauthenticated
	}
	sum := sha256.Sum256([]byte(token))
	presented := hex.EncodeToString(sum[:])

	// Compare against every configured hash so timing does not reveal
	// which (if any) entry matched.
	matchedUser := ""
	for _, e := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(strings.ToLower(e.SHA256Hex))) == 1 {
			matchedUser = e.UserID
		}
	}
	if matchedUser == "" {
		return "", ErrUnauthenticated
	}
	return matchedUser, nil
}

type jwtResolver struct {
	verifier     *oidc.IDTokenVerifier
	maxAge       time.Duration
	subjectClaim string
}

func (j *jwtResolver) Resolve(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}

	token, err := j.verifier.Verify(r.Context(), raw)
	if err != nil {
		// A key-set fetch failure is a readiness problem, not a bad
		// credential.
		if strings.Contains(err.Error(), "fetching keys") {
			return "", fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if j.maxAge > 0 && time.Since(token.IssuedAt) > j.maxAge {
		return "", fmt.Errorf("%w: token older than %s", ErrUnauthenticated, j.maxAge)
	}

	if j.subjectClaim == "sub" {
		if token.Subject == "" {
			return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
		}
		return token.Subject, nil
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub, _ := claims[j.subjectClaim].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: claim %q missing", ErrUnauthenticated, j.subjectClaim)
	}
	return sub, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HashToken returns the hex SHA-256 of a token, the form stored in config.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ParseTokenEntries parses a comma-separated list of
// "<sha256-hex>=<user-id>" pairs.
func ParseTokenEntries(raw string) ([]TokenEntry, error) {
	var out []TokenEntry
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hash, user, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("token entry %q must be <sha256-hex>=<user-id>", part)
		}
		out = append(out, TokenEntry{SHA256Hex: strings.TrimSpace(hash), UserID: strings.TrimSpace(user)})
	}
	return out, nil
}
