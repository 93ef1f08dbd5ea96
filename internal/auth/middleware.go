package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxClientClaims = "pchain_client_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer token.
// A nil issuer disables authentication and the middleware passes through.
//
// On success it injects the *ClientClaims into the context under the
// "pchain_client_claims" key.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		claims, err := verifyHeader(tokens, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  "unauthorized",
			})
			return
		}
		c.Set(ctxClientClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the claims injected by RequireToken, or nil.
func ClaimsFromCtx(c *gin.Context) *ClientClaims {
	v, ok := c.Get(ctxClientClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*ClientClaims)
	return claims
}

// RequireTokenHandler is the net/http equivalent of RequireToken.
func RequireTokenHandler(tokens *TokenIssuer, next http.Handler) http.Handler {
	if tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := verifyHeader(tokens, r.Header.Get("Authorization")); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": err.Error(),
				"code":  "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func verifyHeader(tokens *TokenIssuer, header string) (*ClientClaims, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errors.New("Bearer token required")
	}
	claims, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, errors.New("invalid token: " + err.Error())
	}
	return claims, nil
}

// TokenHandler serves the OAuth2 token endpoint.
//
//	Request (form):
//	  grant_type:    "client_credentials"   (required)
//	  client_id, client_secret              (form params or HTTP Basic)
//
//	Response:
//	  {"access_token":"...", "token_type":"Bearer", "expires_in":3600}
func TokenHandler(clients *ClientRegistry, tokens *TokenIssuer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":             "invalid_request",
				"error_description": err.Error(),
			})
			return
		}
		if gt := r.PostForm.Get("grant_type"); gt != "client_credentials" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":             "unsupported_grant_type",
				"error_description": "only client_credentials is supported",
			})
			return
		}

		clientID, secret, ok := r.BasicAuth()
		if !ok {
			clientID = r.PostForm.Get("client_id")
			secret = r.PostForm.Get("client_secret")
		}
		if err := clients.Authenticate(clientID, secret); err != nil {
			logger.Warn("token request rejected", zap.String("client_id", clientID))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
			return
		}

		token, err := tokens.Issue(clientID)
		if err != nil {
			logger.Error("issue token", zap.String("client_id", clientID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "server_error"})
			return
		}

		logger.Info("token issued", zap.String("client_id", clientID))
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   int(tokens.TTL().Seconds()),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
