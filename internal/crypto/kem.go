package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/macoaure/privacychain/pkg/models"
)

const kemContext = "privacychain-kem-v1"

const (
	pointSize = 65 // uncompressed P-256
	nonceSize = 12
	tagSize   = 16
)

// WrapKey encapsulates key for the holder of recipient's private key:
// ephemeral ECDH, HKDF-SHA256 over the shared secret, AES-256-GCM wrap.
//
// Layout: [65 byte ephemeral point][12 byte nonce][sealed key + tag]
func WrapKey(key []byte, recipient models.PublicKey) ([]byte, error) {
	pub, err := ParsePublicKey(recipient)
	if err != nil {
		return nil, err
	}
	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
	}
	defer Zero(shared)

	ephPub := eph.PublicKey().Bytes()
	kek, err := deriveWrapKey(shared, kemSalt(ephPub, pub.Bytes()), kemContext)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)

	sealed, nonce, err := EncryptAESGCM(key, kek)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	out := make([]byte, 0, len(ephPub)+len(nonce)+len(sealed))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// UnwrapKey reverses WrapKey with the recipient's private key. A wrong key
// and a corrupted wrapper are indistinguishable: both return
// ErrAuthenticationFailure.
func UnwrapKey(wrapped []byte, priv *ecdh.PrivateKey) ([]byte, error) {
	if _, err := PublicOf(priv); err != nil {
		return nil, err
	}
	if len(wrapped) < pointSize+nonceSize+tagSize {
		return nil, models.ErrAuthenticationFailure
	}
	ephPub, err := curve.NewPublicKey(wrapped[:pointSize])
	if err != nil {
		return nil, models.ErrAuthenticationFailure
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, models.ErrAuthenticationFailure
	}
	defer Zero(shared)

	kek, err := deriveWrapKey(shared, kemSalt(ephPub.Bytes(), priv.PublicKey().Bytes()), kemContext)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)

	nonce := wrapped[pointSize : pointSize+nonceSize]
	return DecryptAESGCM(wrapped[pointSize+nonceSize:], nonce, kek)
}

// kemSalt binds the derived key to both the ephemeral and the recipient point.
func kemSalt(ephPub, recipient []byte) []byte {
	salt := make([]byte, 0, len(ephPub)+len(recipient))
	salt = append(salt, ephPub...)
	return append(salt, recipient...)
}
