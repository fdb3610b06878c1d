package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/pkg/models"
	"golang.org/x/crypto/hkdf"
)

// ContentKeySize is the AES-256 content key length.
const ContentKeySize = 32

const (
	commitmentDomain  = "privacychain/content-key-commitment/v1"
	fingerprintDomain = "privacychain/capability-fingerprint/v1"
)

// GenerateContentKey generates a 32-byte random per-payload content key.
func GenerateContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}
	return key, nil
}

// deriveWrapKey derives a key-wrapping key from an ECDH shared secret using HKDF-SHA256.
func deriveWrapKey(shared, salt []byte, info string) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, salt, []byte(info))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving wrap key: %w", err)
	}
	return kek, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
// Every call draws a fresh random nonce.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
//
// Every failure, whether a malformed key, a short nonce or a tag mismatch,
// returns the bare ErrAuthenticationFailure so the result carries no oracle
// about which check failed. GCM's tag comparison is constant-time.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, models.ErrAuthenticationFailure
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, models.ErrAuthenticationFailure
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, models.ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Commitment returns a hash of the content key that can be stored next to
// the record without revealing the key.
func Commitment(contentKey []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(commitmentDomain))
	h.Write(contentKey)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Fingerprint is the capability tamper check:
// H(transform_data || record_id || recipient || expires_at), each field length-prefixed.
// expiresAt is encoded in Unix microseconds.
func Fingerprint(transformData []byte, recordID uuid.UUID, recipient models.PublicKey, expiresAt time.Time) [32]byte {
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	writeField(h, transformData)
	writeField(h, recordID[:])
	writeField(h, recipient)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiresAt.UnixMicro()))
	writeField(h, ts[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeField(w io.Writer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.Write(l[:]) //nolint:errcheck
	w.Write(b)    //nolint:errcheck
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
