// Package version reports the movliqbot release and build metadata.
//
// CommitHash can be set at build time:
//
//	go build -ldflags "-X github.com/umuteyi/movliqbot/internal/version.CommitHash=$(git rev-parse HEAD)"
//
// Without it the VCS revision stamped by the Go toolchain is used.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// CommitHash is the git commit of this build.
var CommitHash string

// semanticAlphabet is the set of characters semver allows in pre-release
// identifiers.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

const (
	appMajor uint = 0
	appMinor uint = 3
	appPatch uint = 0

	// appPreRelease must only contain characters from semanticAlphabet.
	appPreRelease = ""
)

// Version returns the semantic version, e.g. 0.3.0.
func Version() string {
	return semver(appMajor, appMinor, appPatch, appPreRelease)
}

// RichVersion returns Version followed by the commit and a dirty marker
// when known.
func RichVersion() string {
	rev, dirty := commit()
	if rev == "" {
		return Version()
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return fmt.Sprintf("%s commit=%s", Version(), rev)
}

func semver(major, minor, patch uint, pre string) string {
	v := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if pre = sanitize(pre); pre != "" {
		v += "-" + pre
	}
	return v
}

// sanitize drops characters semver does not allow.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(semanticAlphabet, r) {
			return r
		}
		return -1
	}, s)
}

func commit() (hash string, dirty bool) {
	if h := strings.TrimSpace(CommitHash); h != "" {
		return h, false
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			hash = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return hash, dirty
}
