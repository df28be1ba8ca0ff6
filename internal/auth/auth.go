package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Identity is the caller behind an API key. Sessions are scoped to TenantID.
type Identity struct {
	TenantID string
	Roles    []string
	// KeyID is a short fingerprint of the key, safe to log.
	KeyID string
}

func (i Identity) HasRole(role string) bool {
	for _, candidate := range i.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds keys from configuration, indexed by digest.
type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:tenant:role|role,key2:tenant2:role".
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, tenant, rolesSpec, err := splitEntry(entry)
		if err != nil {
			return nil, err
		}
		roles := parseRoles(rolesSpec)
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry for tenant %q: at least one role is required", tenant)
		}

		digest := keyDigest(key)
		if _, exists := validator.keys[digest]; exists {
			return nil, fmt.Errorf("duplicate static key for tenant %q", tenant)
		}
		validator.keys[digest] = Identity{TenantID: tenant, Roles: roles, KeyID: digest[:12]}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[keyDigest(apiKey)]
	return identity, ok
}

// Len reports how many keys are configured.
func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}

// splitEntry never echoes the key itself in its errors.
func splitEntry(entry string) (key, tenant, roles string, err error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid static key entry with %d fields: expected key:tenant:role|role", len(parts))
	}
	key = strings.TrimSpace(parts[0])
	tenant = strings.TrimSpace(parts[1])
	if key == "" || tenant == "" {
		return "", "", "", fmt.Errorf("invalid static key entry: empty key/tenant")
	}
	return key, tenant, parts[2], nil
}

func parseRoles(spec string) []string {
	seen := map[string]bool{}
	roles := []string{}
	for _, role := range strings.Split(spec, "|") {
		role = strings.TrimSpace(role)
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func keyDigest(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
