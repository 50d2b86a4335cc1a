// Package blockhash provides the hash algorithms used to identify blocks and
// files, and the fixed-size chunker that splits content into blocks.
package blockhash

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"sort"

	"github.com/zeebo/xxh3"
)

// ErrUnknownAlgorithm is returned by Lookup for names that are not registered.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Algorithm is a named hash constructor.
type Algorithm struct {
	Name string
	Size int
	new  func() hash.Hash
}

var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"xxh3":   func() hash.Hash { return xxh3.New() },
}

// Lookup returns the algorithm registered under name.
// The constructor is exercised once so that a transform that cannot be
// reset and reused is rejected up front.
func Lookup(name string) (Algorithm, error) {
	ctor, ok := algorithms[name]
	if !ok {
		return Algorithm{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	h := ctor()
	h.Write([]byte{0})
	first := h.Sum(nil)
	h.Reset()
	h.Write([]byte{0})
	if string(first) != string(h.Sum(nil)) {
		return Algorithm{}, fmt.Errorf("%w: %q is not reusable", ErrUnknownAlgorithm, name)
	}
	return Algorithm{Name: name, Size: h.Size(), new: ctor}, nil
}

// Names lists the registered algorithm names in sorted order.
func Names() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	return a.new()
}

// Sum hashes data and returns the encoded digest.
func (a Algorithm) Sum(data []byte) string {
	h := a.new()
	h.Write(data)
	return Encode(h.Sum(nil))
}

// Encode renders a raw digest in the textual form stored in the database.
func Encode(sum []byte) string {
	return base64.StdEncoding.EncodeToString(sum)
}

// Decode parses a digest produced by Encode.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hash %q: %w", s, err)
	}
	return b, nil
}

// FileName converts an encoded digest into a form safe for archive entry names.
func FileName(encoded string) (string, error) {
	raw, err := Decode(encoded)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FromFileName reverses FileName.
func FromFileName(name string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("decoding entry name %q: %w", name, err)
	}
	return Encode(raw), nil
}

// SplitBlocklist splits a blocklist payload into encoded block hashes.
func SplitBlocklist(payload []byte, hashSize int) ([]string, error) {
	if hashSize <= 0 || len(payload)%hashSize != 0 {
		return nil, fmt.Errorf("blocklist of %d bytes is not a multiple of hash size %d", len(payload), hashSize)
	}
	hashes := make([]string, 0, len(payload)/hashSize)
	for off := 0; off < len(payload); off += hashSize {
		hashes = append(hashes, Encode(payload[off:off+hashSize]))
	}
	return hashes, nil
}

// JoinBlocklist builds a blocklist payload from encoded block hashes.
func JoinBlocklist(hashes []string) ([]byte, error) {
	var payload []byte
	for _, h := range hashes {
		raw, err := Decode(h)
		if err != nil {
			return nil, err
		}
		payload = append(payload, raw...)
	}
	return payload, nil
}
