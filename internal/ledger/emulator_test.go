package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/mpuledger/internal/config"
)

// These tests run the shared suite against real service emulators and are
// skipped unless the emulator environment is configured:
//
//	FIRESTORE_EMULATOR_HOST=localhost:8080
//	COSMOS_EMULATOR_ENDPOINT=https://localhost:8081/  COSMOS_EMULATOR_KEY=...

func TestFirestoreLedger(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	runLedgerSuite(t, func(t *testing.T) Ledger {
		t.Helper()
		// One collection per subtest keeps runs independent.
		collection := fmt.Sprintf("test_%s_%d",
			strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()), time.Now().UnixNano())
		l, err := NewFirestoreLedger(context.Background(), config.FirestoreConfig{
			ProjectID:  "mpuledger-test",
			Collection: collection,
		})
		if err != nil {
			t.Fatalf("NewFirestoreLedger: %v", err)
		}
		t.Cleanup(func() { l.Close() })
		return l
	})
}

func TestCosmosLedger(t *testing.T) {
	endpoint := os.Getenv("COSMOS_EMULATOR_ENDPOINT")
	if endpoint == "" {
		t.Skip("COSMOS_EMULATOR_ENDPOINT not set")
	}
	runLedgerSuite(t, func(t *testing.T) Ledger {
		t.Helper()
		ctx := context.Background()
		l, err := NewCosmosLedger(ctx, config.CosmosConfig{
			Endpoint:  endpoint,
			MasterKey: os.Getenv("COSMOS_EMULATOR_KEY"),
			Database:  "mpuledger",
			Container: "ledger",
		})
		if err != nil {
			t.Fatalf("NewCosmosLedger: %v", err)
		}
		// The container is shared, so start every subtest empty.
		all, err := l.AllUploads(ctx)
		if err != nil {
			t.Fatalf("AllUploads: %v", err)
		}
		for _, u := range all {
			if err := l.Purge(ctx, u.UploadID); err != nil {
				t.Fatalf("Purge(%s): %v", u.UploadID, err)
			}
		}
		return l
	})
}
