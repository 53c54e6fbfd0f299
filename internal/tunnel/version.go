package tunnel

import (
	"crypto/sha256"
	"embed"
	"io/fs"
	"sort"
	"sync"
)

// protocolSource embeds this package's own source, the program text hashed
// for the handshake version tag. A Go binary doesn't carry its source at
// runtime, so the source is frozen in at build time instead: two builds
// from identical source produce an identical digest, and any wire-format
// change (a change to this package) changes it, which is the property the
// handshake actually needs.
//
//go:embed *.go
var protocolSource embed.FS

var (
	versionOnce   sync.Once
	versionCached [32]byte
)

func computeVersionDigest() [32]byte {
	names, err := fs.Glob(protocolSource, "*.go")
	if err != nil {
		panic(err) // the embed pattern above guarantees this never happens
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		if hasSuffix(name, "_test.go") {
			continue
		}
		b, err := fs.ReadFile(protocolSource, name)
		if err != nil {
			panic(err)
		}
		h.Write(b)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// VersionDigest returns the SHA-256 digest of this package's source,
// computed once per process. Two peers exchange it during the handshake
// and refuse to proceed on a mismatch.
func VersionDigest() [32]byte {
	versionOnce.Do(func() {
		versionCached = computeVersionDigest()
	})
	return versionCached
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
