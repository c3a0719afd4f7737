package utils

import "errors"

const redacted = "[REDACTED]"

// Secret holds a plaintext credential. Every formatting and encoding
// path prints a placeholder; only Reveal returns the value.
type Secret struct {
	value string
}

func NewSecret(value string) Secret {
	return Secret{value: value}
}

func (s Secret) Reveal() string { return s.value }

func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Sealer encrypts plaintext for storage.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
}

// Opener decrypts stored ciphertext.
type Opener interface {
	Decrypt(encryptedData string) ([]byte, error)
}

// SealedToken is the at-rest form of a credential. It can only be
// turned back into a Secret by something holding the key.
type SealedToken string

var ErrEmptyToken = errors.New("token is empty")

func Seal(s Sealer, secret Secret) (SealedToken, error) {
	if secret.IsZero() {
		return "", ErrEmptyToken
	}
	ciphertext, err := s.Encrypt([]byte(secret.value))
	if err != nil {
		return "", err
	}
	return SealedToken(ciphertext), nil
}

func (t SealedToken) Open(o Opener) (Secret, error) {
	if t == "" {
		return Secret{}, ErrEmptyToken
	}
	plaintext, err := o.Decrypt(string(t))
	if err != nil {
		return Secret{}, err
	}
	return Secret{value: string(plaintext)}, nil
}

func (t SealedToken) IsZero() bool { return t == "" }
