package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/pkg/logger"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	t.Setenv(MasterKeyEnv, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")
	t.Setenv(FallbackSeedEnv, "")
	v, err := New(logger.NewDefault("test"))
	require.NoError(t, err)
	return v
}

func TestNewFallsBackToSeedWithWarning(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	t.Setenv(FallbackSeedEnv, "some-development-seed")
	v, err := New(logger.NewDefault("test"))
	require.NoError(t, err)
	assert.Len(t, v.masterKey, keyLen)
}

func TestNewMissingKeyAndSeedFails(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	t.Setenv(FallbackSeedEnv, "")
	_, err := New(logger.NewDefault("test"))
	assert.ErrorIs(t, err, ErrMasterKeyMissing)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	creds := Credentials{APIKey: "key-123", Username: "svc", Password: "hunter2"}

	sealed, err := v.Encrypt(creds)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Ciphertext)
	assert.NotEmpty(t, sealed.IV)
	assert.NotEmpty(t, sealed.Tag)
	assert.NotEmpty(t, sealed.Salt)

	got, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestDecryptFailsOnTagMismatch(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt(Credentials{APIKey: "key-123"})
	require.NoError(t, err)

	// Flip a character in the tag.
	tampered := sealed
	if tampered.Tag[0] == 'a' {
		tampered.Tag = "b" + tampered.Tag[1:]
	} else {
		tampered.Tag = "a" + tampered.Tag[1:]
	}

	_, err = v.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrBadCredentialBlob)
}

func TestDecryptFailsOnTruncatedCiphertext(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt(Credentials{APIKey: "key-123"})
	require.NoError(t, err)

	tampered := sealed
	if len(tampered.Ciphertext) > 4 {
		tampered.Ciphertext = tampered.Ciphertext[:len(tampered.Ciphertext)-4]
	}

	_, err = v.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrBadCredentialBlob)
}

func TestDecryptFailsOnNeverEncryptedBlob(t *testing.T) {
	v := newTestVault(t)
	fake := Sealed{
		Ciphertext: "967f568473338742dbbed301b4b0e401",
		IV:         "fdd09c1e67d8d5a0855f9b50",
		Tag:        "502c340e5d5541ec01dfcdb184558926",
		Salt:       "72af43ced1f229be3907be612d8c876e",
	}
	_, err := v.Decrypt(fake)
	assert.ErrorIs(t, err, ErrBadCredentialBlob)
}

func TestDecryptRejectsMalformedHex(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt(Sealed{Ciphertext: "not-hex!!", IV: "aa", Tag: "bb", Salt: "cc"})
	assert.ErrorIs(t, err, ErrBadCredentialBlob)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		typ  string
		cred Credentials
		want bool
	}{
		{"api with key", "api", Credentials{APIKey: "x"}, true},
		{"api with token", "api", Credentials{Token: "x"}, true},
		{"api with userpass", "api", Credentials{Username: "u", Password: "p"}, true},
		{"api with nothing", "api", Credentials{}, false},
		{"database complete", "database", Credentials{Username: "u", Password: "p"}, true},
		{"database incomplete", "database", Credentials{Username: "u"}, false},
		{"agent with token", "agent", Credentials{Token: "t"}, true},
		{"agent with cert", "agent", Credentials{Certificate: "c"}, true},
		{"agent with neither", "agent", Credentials{}, false},
		{"syslog always ok", "syslog", Credentials{}, true},
		{"unknown type always ok", "widget", Credentials{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Validate(tc.cred, tc.typ))
		})
	}
}

func TestIssueAndVerifyAgentToken(t *testing.T) {
	v := newTestVault(t)
	token, err := v.IssueAgentToken("agent-1", "org-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	result, err := v.VerifyAgentToken(token)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "agent-1", result.AgentID)
	assert.Equal(t, "org-1", result.OrgID)
}

func TestVerifyAgentTokenRejectsTamperedSignature(t *testing.T) {
	v := newTestVault(t)
	token, err := v.IssueAgentToken("agent-1", "org-1")
	require.NoError(t, err)

	_, err = v.VerifyAgentToken(token + "x")
	assert.Error(t, err)
}

func TestVerifyAgentTokenRejectsForeignMasterKey(t *testing.T) {
	v1 := newTestVault(t)
	token, err := v1.IssueAgentToken("agent-1", "org-1")
	require.NoError(t, err)

	t.Setenv(MasterKeyEnv, "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
	v2, err := New(logger.NewDefault("test"))
	require.NoError(t, err)

	_, err = v2.VerifyAgentToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyAgentTokenExpiresAfter24Hours(t *testing.T) {
	v := newTestVault(t)
	payload := agentTokenPayload{
		AgentID:  "agent-1",
		OrgID:    "org-1",
		IssuedAt: time.Now().Add(-25 * time.Hour).Unix(),
		Type:     "agent",
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, v.masterKey)
	mac.Write(body)
	sig := mac.Sum(nil)

	envelope := struct {
		Payload []byte `json:"p"`
		Sig     []byte `json:"s"`
	}{Payload: body, Sig: sig}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	token := base64.URLEncoding.EncodeToString(raw)

	_, err = v.VerifyAgentToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSanitizeForLogging(t *testing.T) {
	creds := Credentials{
		APIKey:       "ab",
		APISecret:    "abcdefgh",
		CustomFields: map[string]interface{}{"nested": "value"},
	}
	out := SanitizeForLogging(creds)
	assert.Equal(t, "****", out["apiKey"])
	assert.Equal(t, "abcd****", out["apiSecret"])
	assert.Equal(t, "[OBJECT]", out["customFields"])
	_, hasPassword := out["password"]
	assert.False(t, hasPassword)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("secret", "secret"))
	assert.False(t, ConstantTimeEqual("secret", "different"))
}
