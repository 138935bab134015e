package ledger

// Firestore layout:
//
//	{collection}/upload_{upload_id}                     upload record
//	{collection}/upload_{upload_id}/parts/part_{%05d}   one document per part

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/bleepstore/mpuledger/internal/config"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreTimeFormat = "2006-01-02T15:04:05.000Z"

// errTerminalUpload aborts a RegisterPart transaction on a terminal upload.
var errTerminalUpload = errors.New("upload is terminal")

// firestoreUpload is the document shape of an upload record.
type firestoreUpload struct {
	Type            string `firestore:"type"`
	UploadID        string `firestore:"upload_id"`
	Bucket          string `firestore:"bucket"`
	Key             string `firestore:"key"`
	Backend         string `firestore:"backend"`
	BackendUploadID string `firestore:"backend_upload_id"`
	InitiatedAt     string `firestore:"initiated_at"`
	State           string `firestore:"state"`
}

// firestorePart is the document shape of a part entry.
type firestorePart struct {
	UploadID     string `firestore:"upload_id"`
	PartNumber   int    `firestore:"part_number"`
	Size         int64  `firestore:"size"`
	ETag         string `firestore:"etag"`
	LastModified string `firestore:"last_modified"`
}

// FirestoreLedger implements Ledger on Cloud Firestore. Part registration
// runs in a transaction that reads the upload document first and refuses
// terminal uploads.
type FirestoreLedger struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreLedger creates a Firestore client from cfg. The emulator is
// used when FIRESTORE_EMULATOR_HOST is set.
func NewFirestoreLedger(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreLedger, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "mpuledger"
	}
	return &FirestoreLedger{client: client, collection: collection}, nil
}

func docIDUpload(uploadID string) string {
	return "upload_" + uploadID
}

func docIDPart(partNumber int) string {
	return fmt.Sprintf("part_%05d", partNumber)
}

func (l *FirestoreLedger) uploadRef(uploadID string) *firestore.DocumentRef {
	return l.client.Collection(l.collection).Doc(docIDUpload(uploadID))
}

func (l *FirestoreLedger) partsRef(uploadID string) *firestore.CollectionRef {
	return l.uploadRef(uploadID).Collection("parts")
}

func (l *FirestoreLedger) Ping(ctx context.Context) error {
	_, err := l.client.Collection(l.collection).Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (l *FirestoreLedger) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// ---- Upload operations ----

func (l *FirestoreLedger) CreateUpload(ctx context.Context, u *Upload) error {
	_, err := l.uploadRef(u.UploadID).Create(ctx, firestoreUpload{
		Type:            "upload",
		UploadID:        u.UploadID,
		Bucket:          u.Bucket,
		Key:             u.Key,
		Backend:         u.Backend,
		BackendUploadID: u.BackendUploadID,
		InitiatedAt:     u.InitiatedAt.UTC().Format(firestoreTimeFormat),
		State:           string(u.State),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("upload already exists: %s", u.UploadID)
		}
		return fmt.Errorf("creating upload: %w", err)
	}
	return nil
}

func (l *FirestoreLedger) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	doc, err := l.uploadRef(uploadID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
		}
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return docToUpload(doc)
}

func (l *FirestoreLedger) MarkTerminal(ctx context.Context, uploadID string, state UploadState) error {
	_, err := l.uploadRef(uploadID).Update(ctx, []firestore.Update{{Path: "state", Value: string(state)}})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
		}
		return fmt.Errorf("marking upload: %w", err)
	}
	return nil
}

// Purge deletes the upload document first so concurrent RegisterPart
// transactions fail, then removes the parts subcollection. Subcollection
// documents outlive their parent, so a retried purge still finds them.
func (l *FirestoreLedger) Purge(ctx context.Context, uploadID string) error {
	if _, err := l.uploadRef(uploadID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting upload: %w", err)
	}

	refs, err := l.partsRef(uploadID).DocumentRefs(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("listing parts: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}

	bw := l.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	var result *multierror.Error
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	return nil
}

func (l *FirestoreLedger) ListUploads(ctx context.Context, opts ListUploadsOptions) (*ListUploadsResult, error) {
	query := l.client.Collection(l.collection).
		Where("type", "==", "upload").
		Where("bucket", "==", opts.Bucket).
		Where("state", "==", string(UploadActive))

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	var uploads []Upload
	for _, doc := range docs {
		u, err := docToUpload(doc)
		if err != nil {
			return nil, err
		}
		if opts.Prefix != "" && !strings.HasPrefix(u.Key, opts.Prefix) {
			continue
		}
		uploads = append(uploads, *u)
	}
	return pageUploads(uploads, opts), nil
}

func (l *FirestoreLedger) AllUploads(ctx context.Context) ([]Upload, error) {
	docs, err := l.client.Collection(l.collection).Where("type", "==", "upload").Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	uploads := make([]Upload, 0, len(docs))
	for _, doc := range docs {
		u, err := docToUpload(doc)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, *u)
	}
	return uploads, nil
}

// ---- Part operations ----

func (l *FirestoreLedger) RegisterPart(ctx context.Context, p *Part) error {
	uploadRef := l.uploadRef(p.UploadID)
	partRef := uploadRef.Collection("parts").Doc(docIDPart(p.PartNumber))

	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(uploadRef)
		if err != nil {
			return err
		}
		u, err := docToUpload(doc)
		if err != nil {
			return err
		}
		if u.State.Terminal() {
			return errTerminalUpload
		}
		return tx.Set(partRef, firestorePart{
			UploadID:     p.UploadID,
			PartNumber:   p.PartNumber,
			Size:         p.Size,
			ETag:         p.ETag,
			LastModified: p.LastModified.UTC().Format(firestoreTimeFormat),
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound || errors.Is(err, errTerminalUpload) {
			return fmt.Errorf("%w: %s", ErrUnknownUpload, p.UploadID)
		}
		return fmt.Errorf("registering part: %w", err)
	}
	return nil
}

func (l *FirestoreLedger) GetParts(ctx context.Context, uploadID string) ([]Part, error) {
	var parts []Part
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		parts = parts[:0]
		if _, err := tx.Get(l.uploadRef(uploadID)); err != nil {
			return err
		}
		docs, err := tx.Documents(l.partsRef(uploadID).OrderBy("part_number", firestore.Asc)).GetAll()
		if err != nil {
			return err
		}
		for _, doc := range docs {
			var fp firestorePart
			if err := doc.DataTo(&fp); err != nil {
				return fmt.Errorf("decoding part %s: %w", doc.Ref.ID, err)
			}
			lastModified, _ := time.Parse(firestoreTimeFormat, fp.LastModified)
			parts = append(parts, Part{
				UploadID:     fp.UploadID,
				PartNumber:   fp.PartNumber,
				Size:         fp.Size,
				ETag:         fp.ETag,
				LastModified: lastModified,
			})
		}
		return nil
	}, firestore.ReadOnly)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
		}
		return nil, fmt.Errorf("getting parts: %w", err)
	}
	if parts == nil {
		parts = []Part{}
	}
	return parts, nil
}

func docToUpload(doc *firestore.DocumentSnapshot) (*Upload, error) {
	var fu firestoreUpload
	if err := doc.DataTo(&fu); err != nil {
		return nil, fmt.Errorf("decoding upload %s: %w", doc.Ref.ID, err)
	}
	initiatedAt, _ := time.Parse(firestoreTimeFormat, fu.InitiatedAt)
	return &Upload{
		UploadID:        fu.UploadID,
		Bucket:          fu.Bucket,
		Key:             fu.Key,
		Backend:         fu.Backend,
		BackendUploadID: fu.BackendUploadID,
		InitiatedAt:     initiatedAt,
		State:           UploadState(fu.State),
	}, nil
}

var _ Ledger = (*FirestoreLedger)(nil)
