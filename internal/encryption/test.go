package encryption

import (
	"bytes"
	"fmt"
	"io"

	"dup-go/internal/dup"
)

// TestModule is the filename tag of volumes written by TestEncryptor.
const TestModule = "tst"

// testHeader marks data written by TestEncryptor.
var testHeader = []byte("DUPENC\x00\x00")

// TestEncryptor is a deterministic stand-in for tests. It prepends a fixed
// header and XORs the payload with a one-byte key, so ciphertext differs
// from plaintext and volume hashes change, without any real crypto.
type TestEncryptor struct {
	key         byte
	setupCalled bool
}

var _ dup.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{key: 0x5a}
}

func (e *TestEncryptor) Module() string { return TestModule }

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, &xorReader{r: r, key: e.key}); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (dup.DecryptionContext, error) {
	return &TestDecryptionContext{key: e.key}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct {
	key byte
}

var _ dup.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, &xorReader{r: r, key: c.key}); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

type xorReader struct {
	r   io.Reader
	key byte
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := range p[:n] {
		p[i] ^= x.key
	}
	return n, err
}
