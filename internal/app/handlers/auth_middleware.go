package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/devkekops/dropship/internal/app/logger"
)

type key string

const (
	bearerPrefix           = "Bearer "
	operatorIDKey      key = "operatorID"
	signatureLength        = 32
	invalidCredentials     = "invalid operator token"
)

func sign(operatorID []byte, secretKey []byte) []byte {
	key := sha256.Sum256(secretKey)
	h := hmac.New(sha256.New, key[:])
	h.Write(operatorID)
	return h.Sum(nil)
}

// SignOperatorToken issues the bearer token accepted on the admin routes.
func SignOperatorToken(operatorID string, secretKey string) string {
	idBytes := []byte(operatorID)
	token := append(idBytes[:len(idBytes):len(idBytes)], sign(idBytes, []byte(secretKey))...)
	return hex.EncodeToString(token)
}

func checkSignature(token string, secretKey []byte) (string, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", err
	}

	if len(raw) <= signatureLength {
		return "", fmt.Errorf("invalid token length")
	}

	idLength := len(raw) - signatureLength
	operatorID := raw[:idLength]

	if hmac.Equal(sign(operatorID, secretKey), raw[idLength:]) {
		return string(operatorID), nil
	}
	return "", fmt.Errorf("invalid signature")
}

func authHandle(secretKey string) (ah func(http.Handler) http.Handler) {
	ah = func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				http.Error(w, invalidCredentials, http.StatusUnauthorized)
				return
			}

			operatorID, err := checkSignature(strings.TrimPrefix(header, bearerPrefix), []byte(secretKey))
			if err != nil {
				http.Error(w, invalidCredentials, http.StatusUnauthorized)
				logger.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("operator token rejected")
				return
			}
			ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	return
}

func operatorFrom(ctx context.Context) string {
	id, _ := ctx.Value(operatorIDKey).(string)
	return id
}
