package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryLedger is an in-process Ledger. Contents are lost on restart.
type MemoryLedger struct {
	mu      sync.RWMutex
	uploads map[string]*Upload
	parts   map[string]map[int]*Part
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		uploads: make(map[string]*Upload),
		parts:   make(map[string]map[int]*Part),
	}
}

func (l *MemoryLedger) Ping(ctx context.Context) error {
	return nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

func (l *MemoryLedger) CreateUpload(ctx context.Context, u *Upload) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.uploads[u.UploadID]; exists {
		return fmt.Errorf("upload already exists: %s", u.UploadID)
	}
	uploadCopy := *u
	l.uploads[u.UploadID] = &uploadCopy
	return nil
}

func (l *MemoryLedger) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u, exists := l.uploads[uploadID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	uploadCopy := *u
	return &uploadCopy, nil
}

func (l *MemoryLedger) MarkTerminal(ctx context.Context, uploadID string, state UploadState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, exists := l.uploads[uploadID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	u.State = state
	return nil
}

func (l *MemoryLedger) RegisterPart(ctx context.Context, p *Part) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u, exists := l.uploads[p.UploadID]; !exists || u.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, p.UploadID)
	}
	if l.parts[p.UploadID] == nil {
		l.parts[p.UploadID] = make(map[int]*Part)
	}
	partCopy := *p
	l.parts[p.UploadID][p.PartNumber] = &partCopy
	return nil
}

func (l *MemoryLedger) GetParts(ctx context.Context, uploadID string) ([]Part, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, exists := l.uploads[uploadID]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	parts := make([]Part, 0, len(l.parts[uploadID]))
	for _, p := range l.parts[uploadID] {
		parts = append(parts, *p)
	}
	sortParts(parts)
	return parts, nil
}

func (l *MemoryLedger) Purge(ctx context.Context, uploadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.parts, uploadID)
	delete(l.uploads, uploadID)
	return nil
}

func (l *MemoryLedger) ListUploads(ctx context.Context, opts ListUploadsOptions) (*ListUploadsResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matching []Upload
	for _, u := range l.uploads {
		if u.Bucket != opts.Bucket {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(u.Key, opts.Prefix) {
			continue
		}
		matching = append(matching, *u)
	}
	return pageUploads(matching, opts), nil
}

func (l *MemoryLedger) AllUploads(ctx context.Context) ([]Upload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Upload, 0, len(l.uploads))
	for _, u := range l.uploads {
		out = append(out, *u)
	}
	return out, nil
}

var _ Ledger = (*MemoryLedger)(nil)
