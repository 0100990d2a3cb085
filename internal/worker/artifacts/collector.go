// Package artifacts verifies and uploads the files a build leaves in its
// results directory, and archives the build transcript.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"isoforge/internal/common/storage"
	"isoforge/internal/worker/model"
	"isoforge/internal/worker/runner"
	appErr "isoforge/pkg/errors"
)

// LogObjectName is the object name of the archived build transcript inside
// a job's storage prefix.
const LogObjectName = "build-log.txt.zst"

// Collector moves build results into object storage.
type Collector struct {
	store  storage.ObjectStorage
	bucket string
}

// NewCollector returns a collector uploading into the given bucket.
func NewCollector(store storage.ObjectStorage, bucket string) *Collector {
	return &Collector{store: store, bucket: bucket}
}

// Collect verifies every file in resultsDir against the checksum
// manifests the build wrote, then uploads all of them under the job id.
// Files absent from the manifests (the manifests themselves included) are
// uploaded without verification.
func (c *Collector) Collect(ctx context.Context, jobID, resultsDir string) ([]model.ArtifactInfo, error) {
	b2, err := c.loadManifest(filepath.Join(resultsDir, runner.ChecksumB2Name))
	if err != nil {
		return nil, err
	}
	sha, err := c.loadManifest(filepath.Join(resultsDir, runner.ChecksumSHA256Name))
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CollectFailed, "read results dir %s failed", resultsDir)
	}

	var infos []model.ArtifactInfo
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		path := filepath.Join(resultsDir, name)

		if want, ok := b2[name]; ok {
			if err := verifyFile(path, want, newManifestBlake); err != nil {
				return nil, err
			}
		}
		if want, ok := sha[name]; ok {
			if err := verifyFile(path, want, func() hash.Hash { return sha256.New() }); err != nil {
				return nil, err
			}
		}

		info, err := c.upload(ctx, jobID, name, path)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// UploadLog compresses the build transcript and stores it under the job id.
func (c *Collector) UploadLog(ctx context.Context, jobID string, transcript []byte) (string, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", appErr.Wrap(err, appErr.LogArchiveFailed)
	}
	if _, err := enc.Write(transcript); err != nil {
		enc.Close()
		return "", appErr.Wrap(err, appErr.LogArchiveFailed)
	}
	if err := enc.Close(); err != nil {
		return "", appErr.Wrap(err, appErr.LogArchiveFailed)
	}

	key := jobID + "/" + LogObjectName
	err = c.store.PutObject(ctx, c.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/zstd")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.UploadFailed, "upload build log failed")
	}
	return key, nil
}

func (c *Collector) upload(ctx context.Context, jobID, name, path string) (model.ArtifactInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ArtifactInfo{}, appErr.Wrapf(err, appErr.CollectFailed, "open artifact %s failed", name)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return model.ArtifactInfo{}, appErr.Wrapf(err, appErr.CollectFailed, "stat artifact %s failed", name)
	}

	key := jobID + "/" + name
	if err := c.store.PutObject(ctx, c.bucket, key, f, fi.Size(), contentType(name)); err != nil {
		return model.ArtifactInfo{}, appErr.Wrapf(err, appErr.UploadFailed, "upload artifact %s failed", name)
	}

	return model.ArtifactInfo{Name: name, SizeBytes: fi.Size(), StorageKey: key}, nil
}

// loadManifest reads a manifest into a name to digest map. A missing
// manifest file yields an empty map: builds with guarded artifact moves
// may legitimately produce none.
func (c *Collector) loadManifest(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, appErr.Wrapf(err, appErr.ManifestInvalid, "open manifest %s failed", path)
	}
	defer f.Close()

	entries, err := ParseManifest(f)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Digest
	}
	return m, nil
}

func verifyFile(path, wantHex string, newHash func() hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.CollectFailed, "open %s failed", path)
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return appErr.Wrapf(err, appErr.CollectFailed, "hash %s failed", path)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(wantHex) {
		return appErr.Newf(appErr.ChecksumMismatch, "%s: digest %s does not match manifest %s", filepath.Base(path), got, wantHex)
	}
	return nil
}

// newManifestBlake hashes with the digest width the build script requests
// from b2sum, so manifests verify against what the script actually wrote.
func newManifestBlake() hash.Hash {
	h, err := blake2b.New(runner.BlakeSumBits/8, nil)
	if err != nil {
		// Keyless construction with a valid size cannot fail.
		panic(err)
	}
	return h
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".iso":
		return "application/x-iso9660-image"
	case ".b2sum", ".sha256sum", ".contents", ".files", ".packages":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
