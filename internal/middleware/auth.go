// Package middleware содержит HTTP middleware и разбор удостоверений для сервиса partnerlink.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityKey contextKey = "identity"

// ErrInvalidCredential возвращается, если удостоверение отсутствует или не проходит проверку.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity описывает участника, разрешённого из удостоверения.
type Identity struct {
	PartyID int64
	Role    string
}

// Authenticator разрешает удостоверения из подписанных JWT.
// Реализует контракт внешнего коллаборатора resolveIdentity.
type Authenticator struct {
	secretKey []byte
}

type identityClaims struct {
	PartyID int64  `json:"party_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// NewAuthenticator создаёт Authenticator с указанным секретным ключом.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secretKey: []byte(secret)}
}

// ResolveIdentity проверяет токен и возвращает личность участника.
// Контекст ограничивает время проверки: по его истечении разрешение
// прерывается с ErrInvalidCredential.
func (a *Authenticator) ResolveIdentity(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}
	if token == "" {
		return Identity{}, ErrInvalidCredential
	}

	claims := &identityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil || !parsed.Valid || claims.PartyID == 0 {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{PartyID: claims.PartyID, Role: claims.Role}, nil
}

// IssueToken выпускает подписанный токен для участника.
func (a *Authenticator) IssueToken(partyID int64, role string, ttl time.Duration) (string, error) {
	claims := identityClaims{
		PartyID: partyID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest извлекает токен из заголовка Authorization (Bearer)
// или из query-параметра token. Пустая строка означает отсутствие удостоверения.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware проверяет удостоверение запроса и добавляет личность участника в контекст.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.ResolveIdentity(r.Context(), TokenFromRequest(r))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentityFromContext извлекает личность участника из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
