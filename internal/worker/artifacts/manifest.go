package artifacts

import (
	"bufio"
	"io"
	"strings"

	appErr "isoforge/pkg/errors"
)

// ManifestEntry is one line of a checksum manifest: a hex digest and the
// file name it covers.
type ManifestEntry struct {
	Digest string
	Name   string
}

// ParseManifest reads a b2sum/sha256sum style manifest. Each line is
// "<hex digest><two spaces><name>"; the second space may be an asterisk
// for binary mode. Blank lines are skipped.
func ParseManifest(r io.Reader) ([]ManifestEntry, error) {
	var entries []ManifestEntry

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		idx := strings.Index(line, " ")
		if idx <= 0 || idx+2 > len(line) {
			return nil, appErr.Newf(appErr.ManifestInvalid, "malformed manifest line: %q", line)
		}
		digest := line[:idx]
		name := line[idx+1:]
		// coreutils emits " " for text mode and "*" for binary mode.
		if name[0] == ' ' || name[0] == '*' {
			name = name[1:]
		}
		if digest == "" || name == "" {
			return nil, appErr.Newf(appErr.ManifestInvalid, "malformed manifest line: %q", line)
		}

		entries = append(entries, ManifestEntry{Digest: strings.ToLower(digest), Name: name})
	}
	if err := sc.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.ManifestInvalid)
	}
	return entries, nil
}
