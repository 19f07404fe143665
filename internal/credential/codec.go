// Package credential seals and opens the secret fields of a provider
// template's connection settings.
package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Marker prefixes every encrypted value so that encryption is idempotent.
const Marker = "enc:v1:"

const keyInfo = "fuel-ingest/credential/v1"

// DefaultSecretFields are the settings encrypted when no list is configured.
var DefaultSecretFields = []string{
	"password",
	"api_key",
	"token",
	"secret",
	"key_pem",
	"cert_password",
	"ftp_password",
}

// CredentialDecryptionError reports a settings blob or value that cannot be
// decrypted (corrupt payload, wrong key).
type CredentialDecryptionError struct {
	Field string
	Err   error
}

func (e *CredentialDecryptionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("credential: decrypt settings: %v", e.Err)
	}
	return fmt.Sprintf("credential: decrypt field %q: %v", e.Field, e.Err)
}

func (e *CredentialDecryptionError) Unwrap() error {
	return e.Err
}

// Codec encrypts and decrypts secret setting values.
type Codec struct {
	aead    cipher.AEAD
	secrets map[string]struct{}
}

// NewCodec derives the sealing key from key material and returns a Codec
// that treats secretFields (case-insensitive) as secrets.
func NewCodec(key string, secretFields []string) (*Codec, error) {
	if key == "" {
		return nil, eris.New("credential: empty key")
	}
	if len(secretFields) == 0 {
		secretFields = DefaultSecretFields
	}

	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, []byte(keyInfo)), derived); err != nil {
		return nil, eris.Wrap(err, "credential: derive key")
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, eris.Wrap(err, "credential: init cipher")
	}

	secrets := make(map[string]struct{}, len(secretFields))
	for _, f := range secretFields {
		secrets[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	return &Codec{aead: aead, secrets: secrets}, nil
}

// IsSecret reports whether the named setting is encrypted.
func (c *Codec) IsSecret(field string) bool {
	_, ok := c.secrets[strings.ToLower(field)]
	return ok
}

// IsEncrypted reports whether v carries the encryption marker.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, Marker)
}

// Encrypt returns a copy of settings with every non-empty secret string
// sealed. Values that already carry the marker are kept as they are.
func (c *Codec) Encrypt(settings map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		s, ok := v.(string)
		if !ok || s == "" || !c.IsSecret(k) || IsEncrypted(s) {
			out[k] = v
			continue
		}
		sealed, err := c.seal(k, s)
		if err != nil {
			return nil, err
		}
		out[k] = sealed
	}
	return out, nil
}

// Decrypt returns a copy of settings with every marked value opened.
func (c *Codec) Decrypt(settings map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		s, ok := v.(string)
		if !ok || !IsEncrypted(s) {
			out[k] = v
			continue
		}
		plain, err := c.open(k, s)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}

// Seal encrypts settings and encodes them as the JSON blob stored on a
// template.
func (c *Codec) Seal(settings map[string]any) ([]byte, error) {
	enc, err := c.Encrypt(settings)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(enc)
	if err != nil {
		return nil, eris.Wrap(err, "credential: marshal settings")
	}
	return blob, nil
}

// Open decodes a stored settings blob and decrypts its secrets.
func (c *Codec) Open(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	var settings map[string]any
	if err := json.Unmarshal(blob, &settings); err != nil {
		return nil, &CredentialDecryptionError{Err: eris.Wrap(err, "settings blob is not valid JSON")}
	}
	return c.Decrypt(settings)
}

func (c *Codec) seal(field, plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", eris.Wrap(err, "credential: generate nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), []byte(strings.ToLower(field)))
	return Marker + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) open(field, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Marker))
	if err != nil {
		return "", &CredentialDecryptionError{Field: field, Err: eris.Wrap(err, "invalid encoding")}
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", &CredentialDecryptionError{Field: field, Err: eris.New("payload too short")}
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, []byte(strings.ToLower(field)))
	if err != nil {
		return "", &CredentialDecryptionError{Field: field, Err: eris.Wrap(err, "authentication failed")}
	}
	return string(plain), nil
}
