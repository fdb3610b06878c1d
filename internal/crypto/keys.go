package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/macoaure/privacychain/pkg/models"
)

// curve is the one named curve every identity lives on.
var curve = ecdh.P256()

// KeyPair is an owner or recipient identity. The private half is only ever
// held in memory for the duration of an operation.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  models.PublicKey
}

// GenerateKeyPair produces a fresh P-256 identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// PublicOf derives the public identity of a private key.
func PublicOf(priv *ecdh.PrivateKey) (models.PublicKey, error) {
	if priv == nil || priv.Curve() != curve {
		return nil, models.ErrMalformedKey
	}
	return priv.PublicKey().Bytes(), nil
}

// ParsePublicKey validates a public key given either as a raw SEC1 point or
// as a PKIX "PUBLIC KEY" PEM block.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	if block, _ := pem.Decode(b); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("%w: unexpected PEM type %q", models.ErrInvalidPublicKey, block.Type)
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
		}
		switch k := key.(type) {
		case *ecdsa.PublicKey:
			if k.Curve != elliptic.P256() {
				return nil, fmt.Errorf("%w: curve is not P-256", models.ErrInvalidPublicKey)
			}
			pub, err := k.ECDH()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
			}
			return pub, nil
		case *ecdh.PublicKey:
			if k.Curve() != curve {
				return nil, fmt.Errorf("%w: curve is not P-256", models.ErrInvalidPublicKey)
			}
			return k, nil
		default:
			return nil, fmt.Errorf("%w: not an EC key", models.ErrInvalidPublicKey)
		}
	}
	pub, err := curve.NewPublicKey(b)
	if err != nil {
		return nil, models.ErrInvalidPublicKey
	}
	return pub, nil
}

// NormalizePublicKey parses b and returns its canonical uncompressed form.
func NormalizePublicKey(b []byte) (models.PublicKey, error) {
	pub, err := ParsePublicKey(b)
	if err != nil {
		return nil, err
	}
	return pub.Bytes(), nil
}

// ParsePrivateKey accepts a raw 32-byte scalar, an "EC PRIVATE KEY" (SEC1)
// PEM block or a "PRIVATE KEY" (PKCS#8) PEM block.
func ParsePrivateKey(b []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		priv, err := curve.NewPrivateKey(b)
		if err != nil {
			return nil, models.ErrMalformedKey
		}
		return priv, nil
	}

	var key any
	var err error
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", models.ErrMalformedKey, block.Type)
	}
	if err != nil {
		return nil, models.ErrMalformedKey
	}

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: curve is not P-256", models.ErrMalformedKey)
		}
		priv, err := k.ECDH()
		if err != nil {
			return nil, models.ErrMalformedKey
		}
		return priv, nil
	case *ecdh.PrivateKey:
		if k.Curve() != curve {
			return nil, fmt.Errorf("%w: curve is not P-256", models.ErrMalformedKey)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: not an EC key", models.ErrMalformedKey)
	}
}

// EncodePrivateKeyPEM serializes a private key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(priv *ecdh.PrivateKey) (string, error) {
	if _, err := PublicOf(priv); err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicKeyPEM serializes a public key as a PKIX PEM block.
func EncodePublicKeyPEM(pub models.PublicKey) (string, error) {
	k, err := ParsePublicKey(pub)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
