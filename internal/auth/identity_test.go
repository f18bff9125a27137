package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityFromClaims(t *testing.T) {
	claims := map[string]any{
		"sub":   "user-1",
		"tid":   "brewfest-2026",
		"roles": []any{"judge", "organizer"},
		"exp":   float64(1767225600),
	}

	identity, err := identityFromClaims(claims, "raw-token", "tid", "roles")
	require.NoError(t, err)

	assert.Equal(t, "user-1", identity.Subject)
	assert.Equal(t, "brewfest-2026", identity.TenantID)
	assert.Equal(t, []string{"judge", "organizer"}, identity.Roles)
	assert.Equal(t, time.Unix(1767225600, 0), identity.ExpiresAt)
	assert.Equal(t, "raw-token", identity.Token)
	assert.Equal(t, HashToken("raw-token"), identity.TokenHash)
}

func TestIdentityFromClaims_MissingSubject(t *testing.T) {
	_, err := identityFromClaims(map[string]any{"tid": "t1"}, "tok", "tid", "roles")
	assert.Error(t, err)
}

func TestIdentityFromClaims_MissingTenant(t *testing.T) {
	_, err := identityFromClaims(map[string]any{"sub": "user-1"}, "tok", "tid", "roles")
	assert.Error(t, err)
}

func TestIdentityFromClaims_CustomClaimNames(t *testing.T) {
	claims := map[string]any{
		"sub":          "user-1",
		"org_id":       "tenant-9",
		"entitlements": []any{"admin"},
	}

	identity, err := identityFromClaims(claims, "tok", "org_id", "entitlements")
	require.NoError(t, err)
	assert.Equal(t, "tenant-9", identity.TenantID)
	assert.Equal(t, []string{"admin"}, identity.Roles)
}

func TestExtractRoles(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   []string
	}{
		{
			name:   "list of strings",
			claims: map[string]any{"roles": []any{"judge", "steward"}},
			want:   []string{"judge", "steward"},
		},
		{
			name:   "single string",
			claims: map[string]any{"roles": "judge"},
			want:   []string{"judge"},
		},
		{
			name:   "absent claim",
			claims: map[string]any{},
			want:   []string{},
		},
		{
			name:   "non-string entries skipped",
			claims: map[string]any{"roles": []any{"judge", 42, ""}},
			want:   []string{"judge"},
		},
		{
			name:   "unexpected type",
			claims: map[string]any{"roles": 17},
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractRoles(tt.claims, "roles"))
		})
	}
}

func TestHashToken_StableAndDistinct(t *testing.T) {
	assert.Equal(t, HashToken("token-a"), HashToken("token-a"))
	assert.NotEqual(t, HashToken("token-a"), HashToken("token-b"))
	assert.Len(t, HashToken("token-a"), 64)
}
