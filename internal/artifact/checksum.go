package artifact

import (
	"crypto/sha1" // #nosec G505 -- the artifact repository publishes sha1 sidecars
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrChecksumMismatch is returned when downloaded or cached bytes do not
// match the expected digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA1   Algorithm = "sha1"
)

// Checksum is an expected digest. A zero Hex means it still has to be
// fetched from the repository sidecar.
type Checksum struct {
	Algo Algorithm `json:"algo"`
	Hex  string    `json:"hex"`
}

// ParseChecksum accepts "sha256:<hex>", "sha1:<hex>" or a bare hex digest
// whose length decides the algorithm.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	algo, digest, hasAlgo := strings.Cut(s, ":")
	if !hasAlgo {
		digest = s
		switch len(digest) {
		case sha256.Size * 2:
			algo = string(SHA256)
		case sha1.Size * 2:
			algo = string(SHA1)
		default:
			return Checksum{}, fmt.Errorf("cannot infer checksum algorithm from %q", s)
		}
	}
	c := Checksum{Algo: Algorithm(strings.ToLower(algo)), Hex: strings.ToLower(digest)}
	want := 0
	switch c.Algo {
	case SHA256:
		want = sha256.Size * 2
	case SHA1:
		want = sha1.Size * 2
	default:
		return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
	if _, err := hex.DecodeString(c.Hex); err != nil || len(c.Hex) != want {
		return Checksum{}, fmt.Errorf("invalid %s digest %q", c.Algo, digest)
	}
	return c, nil
}

func (c Checksum) String() string {
	if c.Hex == "" {
		return string(c.Algo)
	}
	return string(c.Algo) + ":" + c.Hex
}

func (c Checksum) IsZero() bool { return c.Hex == "" }

func (c Checksum) newHash() (hash.Hash, error) {
	switch c.Algo {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil // #nosec G401
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", c.Algo)
}

// parseSidecar reads a maven style checksum file: the digest, optionally
// followed by whitespace and a file name.
func parseSidecar(algo Algorithm, body string) (Checksum, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Checksum{}, fmt.Errorf("empty %s sidecar", algo)
	}
	return ParseChecksum(string(algo) + ":" + fields[0])
}
