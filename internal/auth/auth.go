// Package auth — аутентификация операторов (JWT / Basic) и ключи устройств.
//
// Токен оператора — HS256 JWT с claims:
//   - sub:  имя пользователя
//   - role: "viewer" | "admin"
//   - exp:  срок действия
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pillcloud/config"
	"pillcloud/internal/apperr"
	"pillcloud/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Role — уровень доступа оператора.
type Role string

const (
	RoleViewer Role = "viewer" // только чтение
	RoleAdmin  Role = "admin"  // всё, включая изменения
)

func (r Role) CanWrite() bool { return r == RoleAdmin }

type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

type user struct {
	hash []byte
	role Role
}

// Authenticator выдаёт и проверяет токены операторов.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	users  map[string]user
	now    func() time.Time
}

func New(cfg config.AdminConfig) *Authenticator {
	users := make(map[string]user, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = user{hash: []byte(u.PasswordHash), role: Role(u.Role)}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{secret: []byte(cfg.JWTSecret), ttl: ttl, users: users, now: time.Now}
}

// HashPassword — bcrypt-хэш для конфига (подкоманда hash-password).
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Enabled — false, если не настроено ни одного оператора.
func (a *Authenticator) Enabled() bool { return len(a.users) > 0 }

// Check — логин/пароль оператора.
func (a *Authenticator) Check(username, password string) (Role, error) {
	u, ok := a.users[username]
	if !ok {
		// тратим столько же времени, сколько на существующего пользователя
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return "", apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return "", apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	return u.role, nil
}

// Issue — подписанный токен и момент истечения.
func (a *Authenticator) Issue(username string, role Role) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "pillcloud",
		},
		Role: role,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tok, exp, nil
}

// Verify разбирает токен; пользователь должен всё ещё быть в конфиге.
func (a *Authenticator) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithIssuer("pillcloud"))
	if err != nil || !token.Valid {
		return nil, apperr.New(apperr.Unauthorized, "invalid token")
	}
	u, ok := a.users[claims.Subject]
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "unknown user")
	}
	// роль берём из конфига, не из токена: понижение прав действует сразу
	claims.Role = u.role
	return claims, nil
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

func dummyHash() []byte {
	dummyOnce.Do(func() {
		dummy, _ = bcrypt.GenerateFromPassword([]byte("pillcloud"), bcrypt.DefaultCost)
	})
	return dummy
}

type contextKey string

const claimsKey contextKey = "claims"

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Middleware пускает оператора по Bearer JWT или Basic auth.
// Изменяющие методы требуют роль admin.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.authenticate(r)
		if err != nil {
			if r.Header.Get("Authorization") == "" || strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
				w.Header().Set("WWW-Authenticate", `Basic realm="pillcloud"`)
			}
			models.WriteError(w, r, err)
			return
		}
		if isMutation(r.Method) && !claims.Role.CanWrite() {
			models.WriteError(w, r, apperr.New(apperr.Forbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Claims, error) {
	h := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(h, "Bearer "):
		return a.Verify(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
	case strings.HasPrefix(h, "Basic "):
		username, password, ok := r.BasicAuth()
		if !ok {
			return nil, apperr.New(apperr.Unauthorized, "malformed basic auth")
		}
		role, err := a.Check(username, password)
		if err != nil {
			return nil, err
		}
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: username}, Role: role}, nil
	case h == "":
		return nil, apperr.New(apperr.Unauthorized, "authentication required")
	default:
		return nil, apperr.New(apperr.Unauthorized, "unsupported authorization scheme")
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// BearerSecret — проверка общего секрета в заголовке Authorization (хуки брокера).
func BearerSecret(r *http.Request, secret string) error {
	if secret == "" {
		return errors.New("secret not configured")
	}
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") || !EqualSecret(strings.TrimPrefix(h, "Bearer "), secret) {
		return apperr.New(apperr.Unauthorized, "invalid hook secret")
	}
	return nil
}
