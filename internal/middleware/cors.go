package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// corsAllowedHeaders はブラウザから送信を許可するヘッダー。
// Authorizationはバックエンド向けのBearerトークン、X-Request-Idは呼び出し元の相関ID。
var corsAllowedHeaders = strings.Join([]string{"Content-Type", "Authorization", RequestIDHeader}, ", ")

// NewCORSMiddleware はallowedOriginsに含まれるオリジンだけにCORSを許可するミドルウェアを返す。
// allowedOriginsはカンマ区切りで複数指定できる。ワイルドカード(*)は使用せず、
// 許可したオリジンをそのままAccess-Control-Allow-Originに返す。
// OPTIONSプリフライトリクエストには許可の有無にかかわらず204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	origins := parseOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin == "" && len(origins) == 1 {
				// 同一オリジンやcurlからのリクエスト
				origin = origins[0]
			}
			if slices.Contains(origins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				h.Set("Access-Control-Expose-Headers", RequestIDHeader)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && o != "*" {
			out = append(out, o)
		}
	}
	return out
}
