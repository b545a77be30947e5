package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"realcast-live/internal/apperr"
)

// Role is the capability a viewer session holds within a channel.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleModerator   Role = "moderator"
	RoleBroadcaster Role = "broadcaster"
)

func (r Role) rank() int {
	switch r {
	case RoleBroadcaster:
		return 3
	case RoleModerator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r grants every capability of other.
func (r Role) AtLeast(other Role) bool { return r.rank() >= other.rank() }

// ParseRole maps a case-insensitive name to a Role, defaulting to viewer.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case "", RoleViewer:
		return RoleViewer, nil
	case RoleModerator:
		return RoleModerator, nil
	case RoleBroadcaster:
		return RoleBroadcaster, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// Claims is the verified content of a playback token.
type Claims struct {
	ViewerID  string
	ChannelID string
	Role      Role
	ExpiresAt time.Time
	TokenID   string
}

// Verifier validates playback tokens. Failures are apperr token_invalid or
// token_expired.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

const tokenType = "playback"

type playbackClaims struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	ViewerID  string
	ChannelID string
	Role      Role
	TTL       time.Duration
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithRevocationStore rejects tokens recorded in store.
func WithRevocationStore(store RevocationStore) AuthorityOption {
	return func(a *Authority) {
		a.revocations = store
	}
}

// WithIssuer stamps and requires the iss claim.
func WithIssuer(issuer string) AuthorityOption {
	return func(a *Authority) {
		a.issuer = strings.TrimSpace(issuer)
	}
}

// WithDefaultTTL sets the lifetime used when IssueRequest.TTL is zero.
func WithDefaultTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) {
		if ttl > 0 {
			a.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// Authority issues and verifies HS256 playback tokens.
type Authority struct {
	secret      []byte
	issuer      string
	defaultTTL  time.Duration
	revocations RevocationStore
	now         func() time.Time
}

// ErrSecretTooShort is returned when the signing secret is under 32 bytes.
var ErrSecretTooShort = errors.New("playback token secret must be at least 32 bytes")

func NewAuthority(secret []byte, opts ...AuthorityOption) (*Authority, error) {
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	a := &Authority{
		secret:     append([]byte(nil), secret...),
		defaultTTL: 6 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.revocations == nil {
		a.revocations = NewMemoryRevocationStore()
	}
	return a, nil
}

// Issue mints a token for req and returns it with its claims.
func (a *Authority) Issue(_ context.Context, req IssueRequest) (string, Claims, error) {
	viewerID := strings.TrimSpace(req.ViewerID)
	channelID := strings.TrimSpace(req.ChannelID)
	if viewerID == "" {
		return "", Claims{}, ErrInvalidViewerID
	}
	if channelID == "" {
		return "", Claims{}, ErrInvalidChannelID
	}
	role := req.Role
	if role == "" {
		role = RoleViewer
	}
	if !role.Valid() {
		return "", Claims{}, fmt.Errorf("unknown role %q", role)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = a.defaultTTL
	}
	tokenID, err := generateToken(16)
	if err != nil {
		return "", Claims{}, err
	}
	now := a.now()
	expiresAt := now.Add(ttl).Truncate(time.Second)
	claims := playbackClaims{
		Type:      tokenType,
		ChannelID: channelID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewerID,
			ID:        tokenID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign playback token: %w", err)
	}
	return signed, Claims{
		ViewerID:  viewerID,
		ChannelID: channelID,
		Role:      role,
		ExpiresAt: expiresAt.UTC(),
		TokenID:   tokenID,
	}, nil
}

// Verify checks signature, type, expiry and revocation.
func (a *Authority) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return Claims{}, err
	}
	hashed, err := hashToken(token)
	if err != nil {
		return Claims{}, apperr.Wrap(apperr.ErrTokenInvalid, "auth.Verify", err)
	}
	revoked, err := a.revocations.IsRevoked(ctx, hashed)
	if err != nil {
		return Claims{}, apperr.Internal("auth.Verify", err)
	}
	if revoked {
		return Claims{}, apperr.Wrap(apperr.ErrTokenInvalid, "auth.Verify", errTokenRevoked)
	}
	return claims, nil
}

// Revoke records token as revoked until its natural expiry. Revoking an
// already expired token is a no-op.
func (a *Authority) Revoke(ctx context.Context, token string) (Claims, error) {
	claims, err := a.parse(token)
	if errors.Is(err, apperr.ErrTokenExpired) {
		return Claims{}, nil
	}
	if err != nil {
		return Claims{}, err
	}
	hashed, err := hashToken(token)
	if err != nil {
		return Claims{}, apperr.Wrap(apperr.ErrTokenInvalid, "auth.Revoke", err)
	}
	record := RevocationRecord{
		TokenHash: hashed,
		TokenID:   claims.TokenID,
		ViewerID:  claims.ViewerID,
		ChannelID: claims.ChannelID,
		ExpiresAt: claims.ExpiresAt,
		RevokedAt: a.now().UTC(),
	}
	if err := a.revocations.Revoke(ctx, record); err != nil {
		return Claims{}, apperr.Internal("auth.Revoke", err)
	}
	return claims, nil
}

// PurgeExpired drops revocations for tokens that can no longer verify.
func (a *Authority) PurgeExpired(ctx context.Context) (int64, error) {
	return a.revocations.PurgeExpired(ctx, a.now())
}

// Ping verifies the revocation store when it supports it.
func (a *Authority) Ping(ctx context.Context) error {
	if pinger, ok := a.revocations.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (a *Authority) parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperr.Wrap(apperr.ErrTokenInvalid, "auth.parse", errTokenRequired)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var parsed playbackClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, apperr.Wrap(apperr.ErrTokenExpired, "auth.parse", err)
	case err != nil:
		return Claims{}, apperr.Wrap(apperr.ErrTokenInvalid, "auth.parse", err)
	}
	if parsed.Type != tokenType || parsed.Subject == "" || parsed.ChannelID == "" || !parsed.Role.Valid() {
		return Claims{}, apperr.Wrap(apperr.ErrTokenInvalid, "auth.parse", errWrongTokenType)
	}
	claims := Claims{
		ViewerID:  parsed.Subject,
		ChannelID: parsed.ChannelID,
		Role:      parsed.Role,
		TokenID:   parsed.ID,
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

var (
	// ErrInvalidViewerID is returned when issuing a token without a viewer.
	ErrInvalidViewerID = errors.New("viewerID is required")
	// ErrInvalidChannelID is returned when issuing a token without a channel.
	ErrInvalidChannelID = errors.New("channelID is required")

	errTokenRequired  = errors.New("token required")
	errTokenRevoked   = errors.New("token revoked")
	errWrongTokenType = errors.New("not a playback token")
)
