package artifacts_test

import (
	"strings"
	"testing"

	"isoforge/internal/worker/artifacts"
	appErr "isoforge/pkg/errors"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()
	input := "ABCDEF0123  image.iso\n" +
		"deadbeef *image.zsync\n" +
		"\n" +
		"cafe0000  name with spaces.iso\n"

	entries, err := artifacts.ParseManifest(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Digest != "abcdef0123" || entries[0].Name != "image.iso" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if entries[1].Name != "image.zsync" {
		t.Fatalf("binary-mode marker not stripped: %+v", entries[1])
	}
	if entries[2].Name != "name with spaces.iso" {
		t.Fatalf("spaced name mangled: %+v", entries[2])
	}
}

func TestParseManifestRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, input := range []string{
		"justonefield\n",
		"  leadingspace\n",
	} {
		if _, err := artifacts.ParseManifest(strings.NewReader(input)); !appErr.Is(err, appErr.ManifestInvalid) {
			t.Errorf("input %q: expected manifest error, got %v", input, err)
		}
	}
}

func TestParseManifestEmpty(t *testing.T) {
	t.Parallel()
	entries, err := artifacts.ParseManifest(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
