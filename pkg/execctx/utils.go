package execctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Utils is the fixed utility bundle injected into every tool script
type Utils struct {
	storage *ScopedStore
}

// NewUtils creates a utility bundle backed by the given scratch store
func NewUtils(storage *ScopedStore) *Utils {
	return &Utils{storage: storage}
}

// NewID returns a UUID v4 string
func (u *Utils) NewID() string {
	return uuid.NewString()
}

// ShortID returns a compact URL-safe id
func (u *Utils) ShortID() string {
	id, _ := gonanoid.New()
	return id
}

// FormatDate formats an RFC3339 timestamp with the given Go layout.
// An unparseable input comes back unchanged.
func (u *Utils) FormatDate(iso, layout string) string {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return iso
	}
	return t.Format(layout)
}

// Now returns the current time as RFC3339
func (u *Utils) Now() string {
	return time.Now().Format(time.RFC3339)
}

// Delay pauses for the given number of milliseconds, honoring ctx
func (u *Utils) Delay(ctx context.Context, ms int) error {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseJSON decodes a JSON document into a generic value
func (u *Utils) ParseJSON(raw string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return v, nil
}

// ToJSON encodes a value as a JSON string
func (u *Utils) ToJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("value is not JSON-serializable: %v", err)
	}
	return string(b), nil
}

// bindings exposes the utility surface as plain function values for
// the script boundary. The scope ties storage operations to a session.
func (u *Utils) bindings(ctx context.Context, scope string) map[string]interface{} {
	return map[string]interface{}{
		"newId":   u.NewID,
		"shortId": u.ShortID,
		"now":     u.Now,
		"formatDate": func(iso, layout string) string {
			return u.FormatDate(iso, layout)
		},
		"delay": func(ms int) error {
			return u.Delay(ctx, ms)
		},
		"parseJson": u.ParseJSON,
		"toJson":    u.ToJSON,
		"storagePut": func(key string, value interface{}, ttlMs int) {
			u.storage.Put(scope, key, value, time.Duration(ttlMs)*time.Millisecond)
		},
		"storageGet": func(key string) interface{} {
			v, _ := u.storage.Get(scope, key)
			return v
		},
		"storageDelete": func(key string) {
			u.storage.Delete(scope, key)
		},
	}
}
