package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go"

	"github.com/park285/cheese-lobby/internal/domain"
)

// Claims is the payload of a lobby access token.
type Claims struct {
	UserID string `json:"uid"`
	Name   string `json:"name"`
	Guest  bool   `json:"guest,omitempty"`
	jwt.StandardClaims
}

// TokenVerifier checks HS256 tokens signed with a shared secret.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(secret, issuer string) (*TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is empty")
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for id valid for ttl.
func (v *TokenVerifier) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		UserID: id.ID,
		Name:   id.Name,
		StandardClaims: jwt.StandardClaims{
			Subject:   id.ID,
			Issuer:    v.issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a token and returns the registered identity it names.
func (v *TokenVerifier) Verify(tokenString string) (domain.Identity, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return domain.Identity{}, err
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" || claims.Guest || IsGuestID(uid) {
		return domain.Identity{}, fmt.Errorf("%w: token has no user", ErrUnauthenticated)
	}
	return domain.Identity{ID: uid, Name: claims.Name}, nil
}

// IssueGuest signs a seat token for a guest identity.
func (v *TokenVerifier) IssueGuest(id domain.Identity, ttl time.Duration) (string, error) {
	if !IsGuestID(id.ID) {
		return "", fmt.Errorf("not a guest id: %q", id.ID)
	}
	now := v.now()
	claims := &Claims{
		UserID: id.ID,
		Name:   id.Name,
		Guest:  true,
		StandardClaims: jwt.StandardClaims{
			Subject:   id.ID,
			Issuer:    v.issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// VerifyGuest accepts only tokens minted by IssueGuest.
func (v *TokenVerifier) VerifyGuest(tokenString string) (domain.Identity, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return domain.Identity{}, err
	}
	if !claims.Guest || !IsGuestID(claims.UserID) {
		return domain.Identity{}, fmt.Errorf("%w: not a guest token", ErrUnauthenticated)
	}
	return domain.Identity{ID: claims.UserID, Name: claims.Name, Guest: true}, nil
}

func (v *TokenVerifier) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthenticated)
	}
	return claims, nil
}
