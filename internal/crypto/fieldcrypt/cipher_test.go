package fieldcrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/and161185/careshield/internal/errs"
)

func testMaster() []byte { return bytes.Repeat([]byte{7}, MasterKeyLen) }

func TestNewAEADCipher_ShortKey(t *testing.T) {
	t.Parallel()
	if _, err := NewAEADCipher([]byte("short")); err == nil {
		t.Fatalf("want error for short master key")
	}
}

func TestAEADCipher_RoundTripAndNonDeterministic(t *testing.T) {
	t.Parallel()
	c, err := NewAEADCipher(testMaster())
	if err != nil {
		t.Fatalf("NewAEADCipher: %v", err)
	}
	pt := []byte("type 2 diabetes")

	a, err := c.Encrypt("tenant-a", pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, _ := c.Encrypt("tenant-a", pt)
	if bytes.Equal(a, b) {
		t.Fatalf("ciphertexts must differ per call")
	}
	for _, ct := range [][]byte{a, b} {
		got, err := c.Decrypt("tenant-a", ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: %q", got)
		}
	}
	again, err := c.Decrypt("tenant-a", a)
	if err != nil || !bytes.Equal(again, pt) {
		t.Fatalf("decryption must be idempotent: %q %v", again, err)
	}
}

func TestAEADCipher_TenantBoundAndTamper(t *testing.T) {
	t.Parallel()
	c, _ := NewAEADCipher(testMaster())
	ct, _ := c.Encrypt("tenant-a", []byte("x"))

	if _, err := c.Decrypt("tenant-b", ct); !errors.Is(err, errs.ErrDecryptionFailure) {
		t.Fatalf("foreign tenant must fail with ErrDecryptionFailure, got %v", err)
	}

	bad := append([]byte(nil), ct...)
	bad[len(bad)-1] ^= 0xff
	if _, err := c.Decrypt("tenant-a", bad); !errors.Is(err, errs.ErrDecryptionFailure) {
		t.Fatalf("tampered blob must fail, got %v", err)
	}
	if _, err := c.Decrypt("tenant-a", []byte{1, 2, 3}); !errors.Is(err, errs.ErrDecryptionFailure) {
		t.Fatalf("short blob must fail, got %v", err)
	}

	other, _ := NewAEADCipher(bytes.Repeat([]byte{8}, MasterKeyLen))
	if _, err := other.Decrypt("tenant-a", ct); err == nil {
		t.Fatalf("different master key must fail")
	}
}
