package creds

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Credentials holds a CLOB API key set. The secret is url-safe base64
// as issued by the exchange.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	Address    string
}

// FromEnv loads credentials from PFLOW_API_KEY, PFLOW_SECRET,
// PFLOW_PASSPHRASE and PFLOW_ADDRESS. The second return value is false
// when any of them is unset, in which case requests go out unsigned.
func FromEnv() (Credentials, bool) {
	c := Credentials{
		APIKey:     os.Getenv("PFLOW_API_KEY"),
		Secret:     os.Getenv("PFLOW_SECRET"),
		Passphrase: os.Getenv("PFLOW_PASSPHRASE"),
		Address:    os.Getenv("PFLOW_ADDRESS"),
	}
	if c.APIKey == "" || c.Secret == "" || c.Passphrase == "" || c.Address == "" {
		return Credentials{}, false
	}
	return c, true
}

// Signer produces the POLY_* authentication headers for CLOB requests.
type Signer struct {
	creds Credentials
	now   func() time.Time
}

func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds, now: time.Now}
}

// GenerateHeaders creates the headers for a request.
// method: GET, POST, etc.
// path: /book (no host, no query)
// body: json string (empty if none)
func (s *Signer) GenerateHeaders(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)

	// String to sign: timestamp + method + requestPath + body
	sign, err := signPayload(s.creds.Secret, timestamp+method+path+body)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"POLY_ADDRESS":    s.creds.Address,
		"POLY_SIGNATURE":  sign,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    s.creds.APIKey,
		"POLY_PASSPHRASE": s.creds.Passphrase,
	}, nil
}

func signPayload(secret, payload string) (string, error) {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	return computeHmacSha256(payload, key), nil
}

func computeHmacSha256(message string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
