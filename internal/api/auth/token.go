// Package auth guards the analysis trigger endpoints with HS256 bearer tokens.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/logger"
)

const (
	// Issuer is the iss claim on every token.
	Issuer = "trafficsat"
	// DefaultTokenTTL is the lifetime of issued tokens.
	DefaultTokenTTL = 24 * time.Hour
	// ContextKeySubject holds the token subject on the echo context.
	ContextKeySubject = "auth_subject"

	minSecretLength = 16
)

// ErrInvalidToken is returned for missing, malformed or expired tokens.
var ErrInvalidToken = errors.NewStd("invalid or missing bearer token")

// TokenService signs and verifies bearer tokens.
type TokenService struct {
	secret []byte
	now    func() time.Time
	log    logger.Logger
}

// NewTokenService returns a service keyed by secret.
func NewTokenService(secret string, log logger.Logger) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, errors.Newf("token secret must be at least %d characters", minSecretLength).
			Component("api").
			Category(errors.CategoryConfiguration).
			Context("setting", "webserver.tokensecret").
			Build()
	}
	if log == nil {
		log = logger.Global().Module("api")
	}
	return &TokenService{secret: []byte(secret), now: time.Now, log: log}, nil
}

// Issue returns a signed token for subject valid for ttl.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.New(err).
			Component("api").
			Category(errors.CategoryGeneric).
			Context("operation", "sign_token").
			Build()
	}
	return token, nil
}

// Verify parses raw and returns its subject.
func (s *TokenService) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" token.
func (s *TokenService) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return unauthorized(c)
			}
			subject, err := s.Verify(raw)
			if err != nil {
				s.log.Warn("rejected bearer token",
					logger.String("path", c.Path()),
					logger.String("ip", c.RealIP()),
					logger.Error(err))
				return unauthorized(c)
			}
			c.Set(ContextKeySubject, subject)
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="trafficsat"`)
	return c.JSON(http.StatusUnauthorized, map[string]string{
		"error":   "unauthorized",
		"message": ErrInvalidToken.Error(),
	})
}
