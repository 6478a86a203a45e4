package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	KindAccess  = "access"
	KindRefresh = "refresh"

	RoleDevice = "device"
	RoleAdmin  = "admin"
)

var ErrWrongKind = errors.New("wrong token kind")

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims represents JWT payload. Subject is the device id.
type Claims struct {
	Role string `json:"role"`
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 device tokens.
type Issuer struct {
	Name       string
	Key        []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewIssuer(name, key string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{Name: name, Key: []byte(key), AccessTTL: accessTTL, RefreshTTL: refreshTTL, Now: time.Now}
}

func (i *Issuer) sign(subject, role, kind string, exp time.Time) (string, error) {
	claims := Claims{
		Role: role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.Name,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(i.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Key)
}

// Issue issues signed access and refresh tokens.
func (i *Issuer) Issue(subject, role string) (TokenPair, error) {
	now := i.Now()
	accessExp := now.Add(i.AccessTTL)
	refreshExp := now.Add(i.RefreshTTL)

	accessToken, err := i.sign(subject, role, KindAccess, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := i.sign(subject, role, KindRefresh, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Parse validates a token of the given kind and returns its claims.
func (i *Issuer) Parse(tokenStr, kind string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.Key, nil
	}, jwt.WithTimeFunc(i.Now))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if i.Name != "" && claims.Issuer != i.Name {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.Kind != kind {
		return Claims{}, ErrWrongKind
	}
	return *claims, nil
}

// Refresh exchanges a refresh token for a new pair.
func (i *Issuer) Refresh(refreshToken string) (Claims, TokenPair, error) {
	claims, err := i.Parse(refreshToken, KindRefresh)
	if err != nil {
		return Claims{}, TokenPair{}, err
	}
	pair, err := i.Issue(claims.Subject, claims.Role)
	return claims, pair, err
}
