package main

import (
	"crypto/ecdh"
	"fmt"
	"os"
	"path/filepath"

	"github.com/macoaure/privacychain/internal/crypto"
	"github.com/macoaure/privacychain/pkg/models"
)

// readPrivateKey loads a private key file (PEM or raw scalar).
func readPrivateKey(path string) (*ecdh.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("a private key file is required (--key)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", path, err)
	}
	priv, err := crypto.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	return priv, nil
}

// readPublicKey loads a public key file (PEM or raw SEC1 point).
func readPublicKey(path string) (models.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key %s: %w", path, err)
	}
	pub, err := crypto.NormalizePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("public key %s: %w", path, err)
	}
	return pub, nil
}

// writeKeyPair writes <name>.key (0600) and <name>.pub into dir and returns
// their paths. Existing files are never overwritten.
func writeKeyPair(dir, name string, kp *crypto.KeyPair) (string, string, error) {
	privPEM, err := crypto.EncodePrivateKeyPEM(kp.Private)
	if err != nil {
		return "", "", err
	}
	pubPEM, err := crypto.EncodePublicKeyPEM(kp.Public)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", err
	}
	privPath := filepath.Join(dir, name+".key")
	pubPath := filepath.Join(dir, name+".pub")
	if err := writeNew(privPath, []byte(privPEM), 0600); err != nil {
		return "", "", err
	}
	if err := writeNew(pubPath, []byte(pubPEM), 0644); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
