package backend

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// memPart holds the raw data and metadata for one part held in memory.
type memPart struct {
	Data []byte
	Info PartInfo
}

// MemoryAdapter keeps part payloads and assembled objects in process memory.
// It is used for tests and single-node development setups.
type MemoryAdapter struct {
	name string

	mu           sync.RWMutex
	objects      map[string][]byte  // key: "bucket/key"
	parts        map[string]memPart // key: "uploadID/partNumber"
	currentSize  int64
	maxSizeBytes int64
	maxPartSize  int64
}

// NewMemoryAdapter creates a MemoryAdapter. maxSizeBytes caps the total bytes
// held (0 = unlimited). maxPartSize caps a single part (0 = unlimited).
func NewMemoryAdapter(name string, maxSizeBytes, maxPartSize int64) *MemoryAdapter {
	return &MemoryAdapter{
		name:         name,
		objects:      make(map[string][]byte),
		parts:        make(map[string]memPart),
		maxSizeBytes: maxSizeBytes,
		maxPartSize:  maxPartSize,
	}
}

func memObjectKey(bucket, key string) string {
	return bucket + "/" + key
}

func memPartKey(uploadID string, partNumber int) string {
	return uploadID + "/" + partName(partNumber)
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

func (b *MemoryAdapter) Name() string { return b.name }

func (b *MemoryAdapter) InitUpload(ctx context.Context, ref UploadRef) (string, error) {
	return "", nil
}

func (b *MemoryAdapter) PutPart(ctx context.Context, ref UploadRef, partNumber int, r io.Reader, size int64) (PartInfo, error) {
	if b.maxPartSize > 0 && size > b.maxPartSize {
		return PartInfo{}, &OpError{Backend: b.name, Op: "PutPart", Kind: ErrBackendRejected,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrEntityTooLarge, size, b.maxPartSize)}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return PartInfo{}, unavailable(b.name, "PutPart", fmt.Errorf("reading part data: %w", err))
	}
	if b.maxPartSize > 0 && int64(len(data)) > b.maxPartSize {
		return PartInfo{}, &OpError{Backend: b.name, Op: "PutPart", Kind: ErrBackendRejected,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrEntityTooLarge, len(data), b.maxPartSize)}
	}

	info := PartInfo{
		PartNumber:   partNumber,
		Size:         int64(len(data)),
		ETag:         computeETag(data),
		LastModified: time.Now().UTC(),
	}
	pk := memPartKey(ref.UploadID, partNumber)

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := info.Size
	if existing, found := b.parts[pk]; found {
		delta -= existing.Info.Size
	}
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return PartInfo{}, rejected(b.name, "PutPart",
			fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes))
	}

	b.parts[pk] = memPart{Data: data, Info: info}
	b.currentSize += delta
	return info, nil
}

func (b *MemoryAdapter) ListPartsRaw(ctx context.Context, ref UploadRef) ([]PartInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	prefix := ref.UploadID + "/"
	var out []PartInfo
	for k, p := range b.parts {
		if strings.HasPrefix(k, prefix) {
			out = append(out, p.Info)
		}
	}
	return out, nil
}

func (b *MemoryAdapter) AbortUpload(ctx context.Context, ref UploadRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.currentSize -= b.removePartsLocked(ref.UploadID)
	return nil
}

// AssembleParts concatenates the parts into an object and returns the
// composite ETag in the usual multipart format.
func (b *MemoryAdapter) AssembleParts(ctx context.Context, ref UploadRef, parts []PartInfo) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var assembled []byte
	etags := make([]string, 0, len(parts))
	for _, p := range parts {
		part, found := b.parts[memPartKey(ref.UploadID, p.PartNumber)]
		if !found {
			return "", rejected(b.name, "AssembleParts",
				fmt.Errorf("part not found: uploadID=%s partNumber=%d", ref.UploadID, p.PartNumber))
		}
		assembled = append(assembled, part.Data...)
		etags = append(etags, part.Info.ETag)
	}

	ok := memObjectKey(ref.Bucket, ref.Key)
	delta := int64(len(assembled))
	if existing, found := b.objects[ok]; found {
		delta -= int64(len(existing))
	}
	delta -= b.removePartsLocked(ref.UploadID)

	b.objects[ok] = assembled
	b.currentSize += delta
	return CompositeETag(etags), nil
}

// Object returns a copy of an assembled object's bytes.
func (b *MemoryAdapter) Object(bucket, key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[memObjectKey(bucket, key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// HealthCheck always succeeds; there is no external dependency.
func (b *MemoryAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// removePartsLocked removes all parts of an upload and returns the bytes
// released. The caller must hold b.mu.
func (b *MemoryAdapter) removePartsLocked(uploadID string) int64 {
	prefix := uploadID + "/"
	var removed int64
	for k, part := range b.parts {
		if strings.HasPrefix(k, prefix) {
			removed += int64(len(part.Data))
			delete(b.parts, k)
		}
	}
	return removed
}

var _ Adapter = (*MemoryAdapter)(nil)
