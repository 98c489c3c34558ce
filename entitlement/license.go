package entitlement

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"murmur/log"
)

const (
	containerVersion = "1"
	signatureAlg     = "RSA-SHA256"
	signatureKID     = "1"
)

type container struct {
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	Signature struct {
		Algorithm string `json:"algorithm"`
		KID       string `json:"kid"`
		Value     string `json:"value"`
	} `json:"signature"`
}

// Payload is the signed body of a license file. Field order matters: the
// signature may cover the compact encoding of this struct.
type Payload struct {
	InvoiceNumber  string  `json:"invoiceNumber"`
	CheckoutID     string  `json:"checkoutId"`
	ProductID      string  `json:"productId"`
	ProductPriceID string  `json:"productPriceId"`
	Amount         uint64  `json:"amount"`
	CustomerID     string  `json:"customerId"`
	Email          string  `json:"email"`
	Name           string  `json:"name"`
	MACAddress     string  `json:"macAddress"`
	Source         string  `json:"source"`
	Platform       string  `json:"platform"`
	ExpiresAt      *string `json:"expiresAt"`
	IssuedAt       uint64  `json:"issuedAt"`
	Issuer         string  `json:"issuer"`
	Version        string  `json:"version"`
}

// Verifier checks license files against a set of trusted RSA keys.
type Verifier struct {
	keys   []*rsa.PublicKey
	issuer string

	deviceMACs func() []string
	now        func() time.Time
}

// NewVerifier parses the trusted keys, each PEM or base64 DER. Entries that
// do not parse are logged and skipped.
func NewVerifier(keys []string, issuer string) *Verifier {
	v := &Verifier{issuer: issuer, deviceMACs: DeviceMACs, now: time.Now}
	for i, entry := range keys {
		k, err := ParsePublicKey(entry)
		if err != nil {
			log.Warnf("trusted license key %d: %v", i, err)
			continue
		}
		v.keys = append(v.keys, k)
	}
	return v
}

// Keys is the number of usable trusted keys.
func (v *Verifier) Keys() int { return len(v.keys) }

// ParsePublicKey reads an RSA public key from PEM or from base64 PKIX DER.
func ParsePublicKey(entry string) (*rsa.PublicKey, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, errors.New("empty key")
	}
	if strings.Contains(entry, "-----BEGIN") {
		if k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(entry)); err == nil {
			return k, nil
		}
	}
	der, err := decodeBase64(entry)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	k, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not an RSA public key")
	}
	return k, nil
}

// VerifyFile reads and verifies the license at path.
func (v *Verifier) VerifyFile(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read license: %w", err)
	}
	return v.Verify(data)
}

// Verify checks the container, the signature and the payload fields.
func (v *Verifier) Verify(data []byte) (*Payload, error) {
	var c container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid license format: %w", err)
	}
	if strings.TrimSpace(c.Version) != containerVersion {
		return nil, fmt.Errorf("unsupported license version %q", c.Version)
	}
	if strings.TrimSpace(c.Signature.Algorithm) != signatureAlg {
		return nil, fmt.Errorf("unsupported signature algorithm %q", c.Signature.Algorithm)
	}
	if strings.TrimSpace(c.Signature.KID) != signatureKID {
		return nil, fmt.Errorf("unsupported key id %q", c.Signature.KID)
	}
	if len(v.keys) == 0 {
		return nil, errors.New("no trusted public keys configured")
	}

	var p Payload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid license payload: %w", err)
	}
	compact, err := compactPayload(&p)
	if err != nil {
		return nil, err
	}
	sig, err := decodeBase64(c.Signature.Value)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if !v.verified([]string{string(c.Payload), compact}, sig) {
		return nil, errors.New("signature verification failed")
	}
	if err := v.checkPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (v *Verifier) verified(signed []string, sig []byte) bool {
	for _, k := range v.keys {
		for _, s := range signed {
			if jwt.SigningMethodRS256.Verify(s, sig, k) == nil {
				return true
			}
		}
	}
	return false
}

// compactPayload re-encodes p without whitespace or HTML escaping.
func compactPayload(p *Payload) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func (v *Verifier) checkPayload(p *Payload) error {
	if p.Issuer != v.issuer {
		return fmt.Errorf("issuer %q does not match %q", p.Issuer, v.issuer)
	}
	required := []string{
		p.InvoiceNumber, p.CheckoutID, p.ProductID, p.ProductPriceID,
		p.CustomerID, p.Email, p.Name, p.MACAddress, p.Source, p.Platform,
	}
	if strings.TrimSpace(p.Version) != containerVersion || p.Amount == 0 || p.IssuedAt == 0 ||
		slices.ContainsFunc(required, func(s string) bool { return strings.TrimSpace(s) == "" }) {
		return errors.New("license payload is incomplete")
	}
	if p.ExpiresAt != nil {
		exp := strings.TrimSpace(*p.ExpiresAt)
		if exp == "" {
			return errors.New("invalid expiresAt")
		}
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			return fmt.Errorf("invalid expiresAt: %w", err)
		}
		if !v.now().Before(t) {
			return fmt.Errorf("license expired at %s", t.Format(time.RFC3339))
		}
	}

	want, err := NormalizeMAC(p.MACAddress)
	if err != nil {
		return err
	}
	device := v.deviceMACs()
	if len(device) == 0 {
		device = []string{unknownMAC}
	}
	if !slices.Contains(device, want) {
		return errors.New("license is bound to a different device")
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64 value")
}
