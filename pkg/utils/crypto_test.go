package utils

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("not-32-bytes-but-that-is-fine")
	require.NoError(t, err)

	sealed, err := Seal(c, NewSecret("access-token-value"))
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "access-token-value")

	opened, err := sealed.Open(c)
	require.NoError(t, err)
	require.Equal(t, "access-token-value", opened.Reveal())
}

func TestCipherUsesFreshNonce(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCipherRejectsWrongKeyAndTampering(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)
	other, err := NewCipher("another-secret")
	require.NoError(t, err)

	sealed, err := Seal(c, NewSecret("refresh"))
	require.NoError(t, err)

	_, err = sealed.Open(other)
	require.Error(t, err)

	_, err = SealedToken("AAAA").Open(c)
	require.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = SealedToken("").Open(c)
	require.ErrorIs(t, err, ErrEmptyToken)
}

func TestNewCipherRequiresSecret(t *testing.T) {
	_, err := NewCipher("")
	require.Error(t, err)
}

func TestSecretNeverFormatsPlaintext(t *testing.T) {
	s := NewSecret("hunter2")

	require.Equal(t, redacted, s.String())
	require.Equal(t, redacted, fmt.Sprintf("%v", s))
	require.Equal(t, redacted, fmt.Sprintf("%#v", s))
	require.NotContains(t, fmt.Sprintf("%+v", struct{ Token Secret }{s}), "hunter2")

	out, err := json.Marshal(map[string]Secret{"token": s})
	require.NoError(t, err)
	require.NotContains(t, string(out), "hunter2")
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), c.Now())
	require.Equal(t, time.UTC, SystemClock().Now().Location())
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("jwt-secret", "42", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateToken("jwt-secret", token)
	require.NoError(t, err)
	require.Equal(t, "42", claims.UserID)

	_, err = ValidateToken("wrong-secret", token)
	require.Error(t, err)
}
