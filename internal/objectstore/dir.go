package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fieldcam/go-capture-node/internal/delivery"
	"fieldcam/go-capture-node/internal/fsutil"
	"fieldcam/go-capture-node/internal/model"
)

const localCredentialTTL = 24 * time.Hour

// DirStore mirrors uploads into a local directory, laid out as <root>/<bucket>/<key>. It stands
// in for S3 on the bench and in debug mode.
type DirStore struct {
	root string
	now  func() time.Time
}

var _ delivery.RoleAssumer = (*DirStore)(nil)
var _ delivery.Uploader = (*DirStore)(nil)

func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: mirror directory is required", model.ErrValidation)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", model.ErrIO, root, err)
	}
	return &DirStore{root: root, now: time.Now}, nil
}

// AssumeRole hands out local credentials valid for a day.
func (d *DirStore) AssumeRole(ctx context.Context) (delivery.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return delivery.Credentials{}, err
	}
	return delivery.Credentials{
		AccessKeyID:     "local",
		SecretAccessKey: "local",
		Expires:         d.now().Add(localCredentialTTL),
	}, nil
}

// Upload writes the object atomically after checking its checksum.
func (d *DirStore) Upload(ctx context.Context, creds delivery.Credentials, obj delivery.Object) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}
	if creds.AccessKeyID == "" {
		return fmt.Errorf("%w: no credentials", model.ErrAuth)
	}
	if len(obj.SHA256) > 0 {
		sum := sha256.Sum256(obj.Body)
		if !bytes.Equal(sum[:], obj.SHA256) {
			return fmt.Errorf("%w: checksum mismatch for %s", model.ErrNetwork, obj.Key)
		}
	}

	path, err := d.Path(obj.Bucket, obj.Key)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, obj.Body, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", model.ErrNetwork, obj.Key, err)
	}
	return nil
}

// Path returns where an object is stored, rejecting keys that escape the root.
func (d *DirStore) Path(bucket, key string) (string, error) {
	rel := filepath.Clean(filepath.Join(bucket, filepath.FromSlash(key)))
	if bucket == "" || key == "" || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: invalid object location %q/%q", model.ErrValidation, bucket, key)
	}
	return filepath.Join(d.root, rel), nil
}
