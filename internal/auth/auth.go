// Package auth защищает административные маршруты сервисным токеном.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNoToken      = errors.New("no authorization header")
	ErrInvalidToken = errors.New("invalid token")
)

// VerifyToken сверяет Bearer токен из заголовка Authorization с ожидаемым.
func VerifyToken(r *http.Request, expected string) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ErrNoToken
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// RequireToken пропускает запрос дальше только с верным токеном.
// onDenied пишет ответ об отказе. Пустой expected отключает проверку.
func RequireToken(expected string, onDenied func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := VerifyToken(r, expected); err != nil {
				onDenied(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
