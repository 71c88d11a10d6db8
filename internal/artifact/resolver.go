package artifact

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultRepositoryURL hosts the zonky embedded-postgres-binaries artifacts.
const DefaultRepositoryURL = "https://repo1.maven.org/maven2"

const groupPath = "io/zonky/test/postgres"

// Options tune Resolve.
type Options struct {
	RepositoryURL string
	// Checksums pins expected digests keyed by Key.String(), e.g.
	// "linux-amd64-16.2.0" -> "sha256:...". Unpinned artifacts are checked
	// against the sha1 sidecar published next to the archive.
	Checksums map[string]string
}

// Artifact is a resolved download.
type Artifact struct {
	Key         Key
	URL         string
	FileName    string
	Checksum    Checksum // zero Hex until fetched from ChecksumURL
	ChecksumURL string
}

// NormalizeVersion parses v with semver and renders the full three part
// form used by the artifact repository: "14.9" becomes "14.9.0".
func NormalizeVersion(v string) (string, error) {
	sv, err := semver.NewVersion(strings.TrimSpace(v))
	if err != nil {
		return "", fmt.Errorf("%w: invalid version %q: %v", ErrUnsupportedPlatform, v, err)
	}
	return sv.String(), nil
}

// Resolve maps a platform and version onto the archive URL and expected
// checksum. It does no I/O and always returns the same result for the same
// inputs.
func Resolve(p Platform, version string, opts Options) (Artifact, error) {
	plat, err := p.Normalize()
	if err != nil {
		return Artifact{}, err
	}
	v, err := NormalizeVersion(version)
	if err != nil {
		return Artifact{}, err
	}
	repo := strings.TrimRight(opts.RepositoryURL, "/")
	if repo == "" {
		repo = DefaultRepositoryURL
	}
	artifactID := "embedded-postgres-binaries-" + plat.String()
	file := artifactID + "-" + v + ".jar"
	a := Artifact{
		Key:      Key{Platform: plat, Version: v},
		URL:      fmt.Sprintf("%s/%s/%s/%s/%s", repo, groupPath, artifactID, v, file),
		FileName: file,
	}
	if pinned, ok := opts.Checksums[a.Key.String()]; ok {
		c, err := ParseChecksum(pinned)
		if err != nil {
			return Artifact{}, fmt.Errorf("checksum for %s: %w", a.Key, err)
		}
		a.Checksum = c
		return a, nil
	}
	a.Checksum = Checksum{Algo: SHA1}
	a.ChecksumURL = a.URL + ".sha1"
	return a, nil
}
