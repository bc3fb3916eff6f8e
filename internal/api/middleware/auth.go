package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bcnelson/fellowship/internal/auth"
	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/storage"
	"go.uber.org/zap"
)

type contextKey string

const (
	APIKeyContextKey  contextKey = "api_key"
	ProfileContextKey contextKey = "profile"
)

// BootstrapProfileID identifies the system actor behind the bootstrap key.
const BootstrapProfileID = "bootstrap"

// TokenVerifier verifies identity provider ID tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*auth.Claims, error)
}

// Auth creates authentication middleware. A bearer token is either an ID
// token, checked by verifier when it is non-nil, or an API key. Both resolve
// to the acting profile stored in the request context.
func Auth(store storage.Storage, verifier TokenVerifier, bootstrapKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "invalid authorization header format")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == "" {
				unauthorized(w, "empty bearer token")
				return
			}

			ctx := r.Context()
			if verifier != nil && auth.LooksLikeJWT(token) {
				profile, err := profileFromIDToken(ctx, store, verifier, token)
				if err != nil {
					logger.Info("id token rejected", zap.Error(err))
					unauthorized(w, "invalid ID token")
					return
				}
				ctx = context.WithValue(ctx, ProfileContextKey, profile)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// Check if we have any API keys in the database
			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				logger.Error("counting api keys", zap.Error(err))
				internalError(w)
				return
			}

			// If no keys exist and bootstrap key is set, allow bootstrap key
			if keyCount == 0 && bootstrapKey != "" {
				if subtle.ConstantTimeCompare([]byte(token), []byte(bootstrapKey)) == 1 {
					ctx = context.WithValue(ctx, APIKeyContextKey, &domain.APIKey{
						ID:        BootstrapProfileID,
						ProfileID: BootstrapProfileID,
						Name:      "Bootstrap Key",
					})
					ctx = context.WithValue(ctx, ProfileContextKey, BootstrapProfile())
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			storedKey, err := store.GetAPIKeyByHash(ctx, auth.HashAPIKey(token))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					unauthorized(w, "invalid API key")
					return
				}
				logger.Error("looking up api key", zap.Error(err))
				internalError(w)
				return
			}

			profile, err := store.GetProfile(ctx, storedKey.ProfileID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					unauthorized(w, "API key has no profile")
					return
				}
				logger.Error("loading api key profile", zap.Error(err))
				internalError(w)
				return
			}

			// Update last used timestamp (fire and forget)
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
					logger.Warn("updating api key last use", zap.String("key_id", id), zap.Error(err))
				}
			}(storedKey.ID)

			ctx = context.WithValue(ctx, APIKeyContextKey, storedKey)
			ctx = context.WithValue(ctx, ProfileContextKey, profile)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func profileFromIDToken(ctx context.Context, store storage.Storage, verifier TokenVerifier, token string) (*domain.Profile, error) {
	claims, err := verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return store.GetProfileBySubject(ctx, claims.Subject)
}

// BootstrapProfile is the super admin acting for the bootstrap key.
func BootstrapProfile() *domain.Profile {
	return &domain.Profile{
		ID:          BootstrapProfileID,
		DisplayName: "Bootstrap",
		Roles:       []string{domain.RoleSuperAdmin},
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"` + domain.ErrCodeUnauthorized + `","message":"` + message + `"}}`))
}

func internalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"error":{"code":"` + domain.ErrCodeInternalError + `","message":"internal server error"}}`))
}

// GetAPIKeyFromContext retrieves the API key from the request context.
func GetAPIKeyFromContext(ctx context.Context) *domain.APIKey {
	key, _ := ctx.Value(APIKeyContextKey).(*domain.APIKey)
	return key
}

// GetProfileFromContext retrieves the acting profile from the request context.
func GetProfileFromContext(ctx context.Context) *domain.Profile {
	p, _ := ctx.Value(ProfileContextKey).(*domain.Profile)
	return p
}

// WithProfile returns ctx carrying profile as the acting identity.
func WithProfile(ctx context.Context, profile *domain.Profile) context.Context {
	return context.WithValue(ctx, ProfileContextKey, profile)
}
