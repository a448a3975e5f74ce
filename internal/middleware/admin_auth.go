// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/livecatch/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// adminToken はハッシュ化したトークンとユーザーIDの組。
type adminToken struct {
	digest [sha256.Size]byte
	userID string
}

// NewAdminAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// tokensはトークンからユーザーIDへの対応。トークンの照合は定数時間で行い、
// 一致したユーザーIDをリクエストコンテキストに注入する。不一致には401を返す。
func NewAdminAuthMiddleware(tokens map[string]string) func(next http.Handler) http.Handler {
	known := make([]adminToken, 0, len(tokens))
	for token, userID := range tokens {
		if token == "" || userID == "" {
			continue
		}
		known = append(known, adminToken{digest: sha256.Sum256([]byte(token)), userID: userID})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			userID := matchToken(known, token)
			if userID == "" {
				slog.Warn("admin token rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			setLoggedUserID(r.Context(), userID)
			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// matchToken は全トークンと比較し、一致したユーザーIDを返す。
// 一致の有無にかかわらず全件を比較する。
func matchToken(known []adminToken, token string) string {
	digest := sha256.Sum256([]byte(token))
	matched := ""
	for _, k := range known {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			matched = k.userID
		}
	}
	return matched
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 管理API認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
