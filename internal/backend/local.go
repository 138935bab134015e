package backend

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// LocalAdapter stores parts and assembled objects on the local filesystem.
//
// Layout under RootDir:
//
//	.tmp/                      in-flight writes, renamed into place
//	.multipart/{upload_id}/N   one file per part, N zero-padded
//	{bucket}/{key}             assembled objects
type LocalAdapter struct {
	name string
	// RootDir is the base directory for all data.
	RootDir     string
	maxPartSize int64
}

// NewLocalAdapter creates a LocalAdapter rooted at rootDir, creating the root
// and temp directories if needed.
func NewLocalAdapter(name, rootDir string, maxPartSize int64) (*LocalAdapter, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory under %q: %w", rootDir, err)
	}
	return &LocalAdapter{name: name, RootDir: rootDir, maxPartSize: maxPartSize}, nil
}

// CleanTempFiles removes leftovers of writes interrupted by a crash. Called on
// startup.
func (b *LocalAdapter) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalAdapter) uploadDir(uploadID string) string {
	return filepath.Join(b.RootDir, ".multipart", uploadID)
}

func (b *LocalAdapter) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uuid.NewString())
}

// writeAtomic copies r into dst through a synced temp file and a rename, and
// returns the MD5 digest and byte count of what was written.
func (b *LocalAdapter) writeAtomic(dst string, r io.Reader) ([]byte, int64, error) {
	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, 0, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(tmpFile, io.TeeReader(r, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, 0, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return nil, 0, fmt.Errorf("renaming temp file: %w", err)
	}
	return h.Sum(nil), n, nil
}

func (b *LocalAdapter) Name() string { return b.name }

func (b *LocalAdapter) InitUpload(ctx context.Context, ref UploadRef) (string, error) {
	if err := os.MkdirAll(b.uploadDir(ref.UploadID), 0o755); err != nil {
		return "", unavailable(b.name, "InitUpload", err)
	}
	return "", nil
}

func (b *LocalAdapter) PutPart(ctx context.Context, ref UploadRef, partNumber int, r io.Reader, size int64) (PartInfo, error) {
	if b.maxPartSize > 0 && size > b.maxPartSize {
		return PartInfo{}, &OpError{Backend: b.name, Op: "PutPart", Kind: ErrBackendRejected,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrEntityTooLarge, size, b.maxPartSize)}
	}
	dir := b.uploadDir(ref.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", fmt.Errorf("creating part directory: %w", err))
	}

	partPath := filepath.Join(dir, partName(partNumber))
	sum, n, err := b.writeAtomic(partPath, r)
	if err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", err)
	}
	st, err := os.Stat(partPath)
	if err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", err)
	}
	return PartInfo{
		PartNumber:   partNumber,
		Size:         n,
		ETag:         fmt.Sprintf(`"%x"`, sum),
		LastModified: st.ModTime().UTC(),
	}, nil
}

// ListPartsRaw reads the part directory. ETags are recomputed from the file
// contents since the filesystem keeps no metadata of its own.
func (b *LocalAdapter) ListPartsRaw(ctx context.Context, ref UploadRef) ([]PartInfo, error) {
	dir := b.uploadDir(ref.UploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, unavailable(b.name, "ListPartsRaw", err)
	}

	var out []PartInfo
	for _, entry := range entries {
		pn, convErr := strconv.Atoi(entry.Name())
		if entry.IsDir() || convErr != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, unavailable(b.name, "ListPartsRaw", err)
		}
		etag, err := fileETag(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, unavailable(b.name, "ListPartsRaw", err)
		}
		out = append(out, PartInfo{
			PartNumber:   pn,
			Size:         info.Size(),
			ETag:         etag,
			LastModified: info.ModTime().UTC(),
		})
	}
	return out, nil
}

func fileETag(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

func (b *LocalAdapter) AbortUpload(ctx context.Context, ref UploadRef) error {
	if err := os.RemoveAll(b.uploadDir(ref.UploadID)); err != nil && !os.IsNotExist(err) {
		return unavailable(b.name, "AbortUpload", err)
	}
	return nil
}

func (b *LocalAdapter) AssembleParts(ctx context.Context, ref UploadRef, parts []PartInfo) (string, error) {
	objPath := filepath.Join(b.RootDir, ref.Bucket, ref.Key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", unavailable(b.name, "AssembleParts", fmt.Errorf("creating parent directories: %w", err))
	}

	dir := b.uploadDir(ref.UploadID)
	files := make([]*os.File, 0, len(parts))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	readers := make([]io.Reader, 0, len(parts))
	for _, p := range parts {
		f, err := os.Open(filepath.Join(dir, partName(p.PartNumber)))
		if err != nil {
			if os.IsNotExist(err) {
				return "", rejected(b.name, "AssembleParts", fmt.Errorf("part %d missing", p.PartNumber))
			}
			return "", unavailable(b.name, "AssembleParts", err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	if _, _, err := b.writeAtomic(objPath, io.MultiReader(readers...)); err != nil {
		return "", unavailable(b.name, "AssembleParts", err)
	}

	etags := make([]string, len(parts))
	for i, p := range parts {
		etags[i] = p.ETag
	}
	os.RemoveAll(dir)
	return CompositeETag(etags), nil
}

// HealthCheck verifies that the root directory is accessible.
func (b *LocalAdapter) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

var _ Adapter = (*LocalAdapter)(nil)
