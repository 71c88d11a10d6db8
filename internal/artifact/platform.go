package artifact

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// ErrUnsupportedPlatform is returned for OS/arch/version combinations no
// archive is published for.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Platform names a published server build. Arch uses the archive naming
// (amd64, arm64v8, arm32v7, ...), not GOARCH.
type Platform struct {
	OS     string `json:"os" mapstructure:"os"`
	Arch   string `json:"arch" mapstructure:"arch"`
	Alpine bool   `json:"alpine,omitempty" mapstructure:"alpine"` // musl build
}

var supported = map[string][]string{
	"linux":   {"amd64", "arm64v8", "arm32v7", "arm32v6", "i386", "ppc64le"},
	"darwin":  {"amd64", "arm64v8"},
	"windows": {"amd64", "i386"},
}

var osAliases = map[string]string{
	"linux":   "linux",
	"darwin":  "darwin",
	"macos":   "darwin",
	"osx":     "darwin",
	"windows": "windows",
	"win":     "windows",
}

var archAliases = map[string]string{
	"amd64":       "amd64",
	"x86_64":      "amd64",
	"x64":         "amd64",
	"arm64":       "arm64v8",
	"aarch64":     "arm64v8",
	"arm64v8":     "arm64v8",
	"arm":         "arm32v7",
	"armv7":       "arm32v7",
	"arm32v7":     "arm32v7",
	"armv6":       "arm32v6",
	"arm32v6":     "arm32v6",
	"386":         "i386",
	"x86":         "i386",
	"i386":        "i386",
	"i686":        "i386",
	"ppc64le":     "ppc64le",
	"powerpc64le": "ppc64le",
}

// HostPlatform describes the machine this process runs on. Alpine is
// detected through /etc/alpine-release.
func HostPlatform() Platform {
	p := Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/etc/alpine-release"); err == nil {
			p.Alpine = true
		}
	}
	return p
}

// ParsePlatform accepts "os-arch" with common aliases, for example
// "linux-x86_64", "darwin-aarch64" or "alpine-amd64".
func ParsePlatform(s string) (Platform, error) {
	osPart, archPart, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "-")
	if !ok {
		return Platform{}, fmt.Errorf("%w: %q is not os-arch", ErrUnsupportedPlatform, s)
	}
	p := Platform{OS: osPart, Arch: archPart}
	if rest, isAlpine := strings.CutSuffix(archPart, "-alpine"); isAlpine {
		p.Arch, p.Alpine = rest, true
	}
	return p.Normalize()
}

// Normalize maps aliases onto canonical names and checks the combination is
// published. The zero Platform normalizes to the host.
func (p Platform) Normalize() (Platform, error) {
	if p.OS == "" && p.Arch == "" {
		p = HostPlatform()
	}
	osName := strings.ToLower(p.OS)
	if osName == "alpine" {
		osName, p.Alpine = "linux", true
	}
	canonOS, ok := osAliases[osName]
	if !ok {
		return Platform{}, fmt.Errorf("%w: os %q", ErrUnsupportedPlatform, p.OS)
	}
	canonArch, ok := archAliases[strings.ToLower(p.Arch)]
	if !ok {
		return Platform{}, fmt.Errorf("%w: arch %q", ErrUnsupportedPlatform, p.Arch)
	}
	if p.Alpine && canonOS != "linux" {
		return Platform{}, fmt.Errorf("%w: alpine builds exist only for linux", ErrUnsupportedPlatform)
	}
	found := false
	for _, a := range supported[canonOS] {
		if a == canonArch {
			found = true
			break
		}
	}
	if !found {
		return Platform{}, fmt.Errorf("%w: %s-%s", ErrUnsupportedPlatform, canonOS, canonArch)
	}
	return Platform{OS: canonOS, Arch: canonArch, Alpine: p.Alpine}, nil
}

// String renders the archive platform suffix, e.g. "linux-amd64-alpine".
func (p Platform) String() string {
	s := p.OS + "-" + p.Arch
	if p.Alpine {
		s += "-alpine"
	}
	return s
}

// Key identifies one cached archive.
type Key struct {
	Platform Platform `json:"platform"`
	Version  string   `json:"version"`
}

func (k Key) String() string { return k.Platform.String() + "-" + k.Version }
