package execctx

import (
	"context"
	"errors"

	"github.com/harun/vocera/pkg/capability"
	"github.com/rs/zerolog/log"
)

// AuthCapabilityName is the reserved capability name for the
// authentication provider.
const AuthCapabilityName = "auth"

// Credentials is the identity material resolved from the auth
// capability. Absent fields stay zero-valued.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Expiration      string `json:"expiration,omitempty"`
}

// AuthAccessor resolves credentials and tokens lazily from the
// capability registered under AuthCapabilityName. Every accessor
// degrades to a zero value when the capability is absent; none of
// them return an error for that case.
type AuthAccessor struct {
	registry *capability.Registry
}

// NewAuthAccessor creates an accessor bound to the registry
func NewAuthAccessor(registry *capability.Registry) *AuthAccessor {
	return &AuthAccessor{registry: registry}
}

// Credentials resolves the current credential set. Returns a
// zero-valued struct if the auth capability is not mounted.
func (a *AuthAccessor) Credentials(ctx context.Context) Credentials {
	result, err := a.registry.Invoker(AuthCapabilityName).Call(ctx, "getCredentials", nil)
	if err != nil {
		a.logResolveFailure("getCredentials", err)
		return Credentials{}
	}

	m, ok := result.(map[string]interface{})
	if !ok {
		return Credentials{}
	}
	creds := Credentials{}
	if v, ok := m["accessKeyId"].(string); ok {
		creds.AccessKeyID = v
	}
	if v, ok := m["secretAccessKey"].(string); ok {
		creds.SecretAccessKey = v
	}
	if v, ok := m["sessionToken"].(string); ok {
		creds.SessionToken = v
	}
	if v, ok := m["expiration"].(string); ok {
		creds.Expiration = v
	}
	return creds
}

// Token resolves the current bearer token, or "" when unavailable
func (a *AuthAccessor) Token(ctx context.Context) string {
	result, err := a.registry.Invoker(AuthCapabilityName).Call(ctx, "getToken", nil)
	if err != nil {
		a.logResolveFailure("getToken", err)
		return ""
	}
	token, _ := result.(string)
	return token
}

// IsAuthenticated reports whether the auth capability considers the
// current identity session valid. Absent capability reads as false.
func (a *AuthAccessor) IsAuthenticated(ctx context.Context) bool {
	result, err := a.registry.Invoker(AuthCapabilityName).Call(ctx, "isAuthenticated", nil)
	if err != nil {
		a.logResolveFailure("isAuthenticated", err)
		return false
	}
	valid, _ := result.(bool)
	return valid
}

func (a *AuthAccessor) logResolveFailure(method string, err error) {
	var unavail *capability.UnavailableError
	if errors.As(err, &unavail) {
		// Auth UI not mounted yet; callers get zero values
		log.Debug().Str("method", method).Msg("Auth capability not mounted")
		return
	}
	log.Warn().Str("method", method).Err(err).Msg("Auth accessor call failed")
}

// bindings exposes auth accessors as function values for scripts
func (a *AuthAccessor) bindings(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"getCredentials": func() map[string]interface{} {
			creds := a.Credentials(ctx)
			return map[string]interface{}{
				"accessKeyId":     creds.AccessKeyID,
				"secretAccessKey": creds.SecretAccessKey,
				"sessionToken":    creds.SessionToken,
				"expiration":      creds.Expiration,
			}
		},
		"getToken":        func() string { return a.Token(ctx) },
		"isAuthenticated": func() bool { return a.IsAuthenticated(ctx) },
	}
}
