// Package fieldcrypt encrypts the declared sensitive fields of domain records.
package fieldcrypt

import (
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/careshield/internal/crypto"
	"github.com/and161185/careshield/internal/errs"
)

// MasterKeyLen is the minimum master key length accepted by NewAEADCipher.
const MasterKeyLen = 32

// Cipher is the byte-level primitive used by the Engine. Decrypt must fail on
// tampered or foreign ciphertext.
type Cipher interface {
	Encrypt(tenantID string, plaintext []byte) ([]byte, error)
	Decrypt(tenantID string, ciphertext []byte) ([]byte, error)
}

// AEADCipher is XChaCha20-Poly1305 with a per-tenant key derived via HKDF-SHA256
// from a master key. Output is nonce||ciphertext, the tenant id is bound as AAD.
type AEADCipher struct {
	master []byte
	aeads  sync.Map // tenantID -> cipher.AEAD
}

var _ Cipher = (*AEADCipher)(nil)

// NewAEADCipher constructs a cipher from a master key of at least MasterKeyLen bytes.
func NewAEADCipher(master []byte) (*AEADCipher, error) {
	if len(master) < MasterKeyLen {
		return nil, fmt.Errorf("master key too short (%d < %d)", len(master), MasterKeyLen)
	}
	return &AEADCipher{master: append([]byte(nil), master...)}, nil
}

func (c *AEADCipher) aead(tenantID string) (cipher.AEAD, error) {
	if v, ok := c.aeads.Load(tenantID); ok {
		return v.(cipher.AEAD), nil
	}
	r := hkdf.New(sha256.New, c.master, nil, []byte("careshield/tenant/"+tenantID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	v, _ := c.aeads.LoadOrStore(tenantID, a)
	return v.(cipher.AEAD), nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *AEADCipher) Encrypt(tenantID string, plaintext []byte) ([]byte, error) {
	a, err := c.aead(tenantID)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+a.Overhead())
	out = append(out, nonce...)
	return a.Seal(out, nonce, plaintext, []byte(tenantID)), nil
}

// Decrypt opens a value produced by Encrypt for the same tenant.
func (c *AEADCipher) Decrypt(tenantID string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: blob too short", errs.ErrDecryptionFailure)
	}
	a, err := c.aead(tenantID)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	pt, err := a.Open(nil, nonce, ct, []byte(tenantID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryptionFailure, err)
	}
	return pt, nil
}

// DecryptionError reports the field that failed to decrypt.
type DecryptionError struct {
	Path string
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decrypt: %v", e.Err)
	}
	return fmt.Sprintf("decrypt %s: %v", e.Path, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is makes every DecryptionError match errs.ErrDecryptionFailure.
func (e *DecryptionError) Is(target error) bool { return target == errs.ErrDecryptionFailure }

func decryptionError(path string, err error) error {
	var de *DecryptionError
	if errors.As(err, &de) {
		if de.Path == "" {
			return &DecryptionError{Path: path, Err: de.Err}
		}
		return err
	}
	return &DecryptionError{Path: path, Err: err}
}
