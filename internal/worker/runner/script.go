package runner

import (
	"fmt"
	"path"
	"strings"

	"isoforge/internal/worker/model"
)

// Checksum manifest names written into the image output directory before the
// artifacts are moved out.
const (
	ChecksumB2Name     = "checksums.b2sum"
	ChecksumSHA256Name = "checksums.sha256sum"
)

// BlakeSumBits is the digest width the manifest command requests from
// b2sum. Artifact verification hashes with the same width; b2sum's own
// default is 512 and would never match.
const BlakeSumBits = 256

// artifactPatterns are the artifact classes moved from the image output
// directory to the results directory, in emission order. The plain .iso
// pattern is special-cased in BuildScript.
var artifactPatterns = []string{
	"*.zsync",
	"*.contents",
	"*.files",
	"*.packages",
	"*.b2sum",
	"*.sha256sum",
}

// ScriptOptions tune script generation.
type ScriptOptions struct {
	// RequireISOArtifact leaves the *.iso move unguarded so a build that
	// produced no image fails the script. When false every move is
	// tolerant of missing files.
	RequireISOArtifact bool
}

// DefaultScriptOptions returns the options used when a job carries no
// overrides.
func DefaultScriptOptions() ScriptOptions {
	return ScriptOptions{RequireISOArtifact: true}
}

// BuildScript renders the ordered command list for one image build. The
// script is executed as a whole under `sh -e`, so any unguarded command
// that exits nonzero aborts the build.
func BuildScript(workDir, resultsDir string, data map[string]string, opts ScriptOptions) []string {
	lbDir := path.Join(workDir, "lb")

	cmds := []string{
		"export DEBIAN_FRONTEND=noninteractive",
		"cd " + Quote(workDir),
		fmt.Sprintf("git clone --depth=2 %s %s", Quote(data[model.DataKeyLiveBuildGit]), Quote(lbDir)),
		"cd ./lb",
	}

	if flavor := data[model.DataKeyFlavor]; flavor != "" {
		cmds = append(cmds, "export FLAVOR="+Quote(flavor))
	}

	cmds = append(cmds,
		"lb config",
		"lb build",
		fmt.Sprintf("b2sum --length=%d *.iso *.contents *.zsync *.packages > %s", BlakeSumBits, ChecksumB2Name),
		"sha256sum *.iso *.contents *.zsync *.packages > "+ChecksumSHA256Name,
	)

	dest := Quote(resultsDir) + "/"
	if opts.RequireISOArtifact {
		cmds = append(cmds, "mv *.iso "+dest)
	} else {
		cmds = append(cmds, "mv -f *.iso "+dest+" || true")
	}
	for _, pat := range artifactPatterns {
		cmds = append(cmds, "mv -f "+pat+" "+dest+" || true")
	}

	return cmds
}

// unsafeShellChars reports whether s needs quoting for POSIX sh.
func unsafeShellChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == '/', r == '+', r == ':',
			r == ',', r == '=', r == '@', r == '%':
		default:
			return true
		}
	}
	return false
}

// Quote returns s wrapped so that a POSIX shell treats it as a single
// literal word. Embedded single quotes become '"'"'.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !unsafeShellChars(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
