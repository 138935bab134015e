package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bleepstore/mpuledger/internal/backend"
	"github.com/bleepstore/mpuledger/internal/ledger"
)

// State is the lifecycle state of one upload.
type State int32

const (
	// StateCreated accepts part uploads, listings and completion.
	StateCreated State = iota
	// StateCompleting is held while a completion validates and assembles.
	StateCompleting
	// StateCompleted is terminal. The ledger has been purged.
	StateCompleted
	// StateAborted is terminal. The ledger is purged once the backend
	// confirms the abort.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateCompleting:
		return "Completing"
	case StateCompleted:
		return "Completed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// session is the in-process view of one upload.
//
// state moves only by compare-and-swap. A part upload counts itself in puts
// under gateMu from its Created check until its registration returns, and
// Created to Completing is only taken under gateMu with puts at zero, so no
// part bytes move while a completion validates and assembles. regMu is held
// shared by part registrations and exclusively by the purge that follows a
// terminal transition, so a registration either lands before the purge or
// observes the terminal state.
type session struct {
	upload ledger.Upload
	state  atomic.Int32

	gateMu sync.Mutex
	puts   int

	regMu sync.RWMutex

	// cleanMu serializes terminal-state recording, backend abort and purge.
	cleanMu sync.Mutex
	// marked is set once the ledger records the terminal state.
	marked bool
	// backendDone is set once the backend no longer holds part bytes.
	backendDone bool
	// purged is set once the ledger entries are gone.
	purged bool
}

// newSession builds the session for a ledger record. Terminal records come
// back in their terminal state with the state already marked.
func newSession(u ledger.Upload) *session {
	s := &session{upload: u}
	switch u.State {
	case ledger.UploadCompleted:
		s.state.Store(int32(StateCompleted))
		s.marked = true
		// Assembly released the part bytes before the state was recorded.
		s.backendDone = true
	case ledger.UploadAborted:
		s.state.Store(int32(StateAborted))
		s.marked = true
	}
	return s
}

// beginPut admits a part upload while the upload is Created. Every
// successful call must be paired with endPut.
func (s *session) beginPut() error {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	switch s.load() {
	case StateCreated:
		s.puts++
		return nil
	case StateCompleting:
		return ErrCompletionInProgress
	}
	return fmt.Errorf("%w: %s", ErrUnknownUpload, s.upload.UploadID)
}

func (s *session) endPut() {
	s.gateMu.Lock()
	s.puts--
	s.gateMu.Unlock()
}

// beginCompletion moves Created to Completing when no part upload is in
// flight.
func (s *session) beginCompletion() error {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.load() == StateCreated && s.puts > 0 {
		return ErrPartUploadInProgress
	}
	if s.cas(StateCreated, StateCompleting) {
		return nil
	}
	if s.load() == StateCompleting {
		return ErrCompletionInProgress
	}
	return fmt.Errorf("%w: %s", ErrUnknownUpload, s.upload.UploadID)
}

func (s *session) load() State {
	return State(s.state.Load())
}

func (s *session) cas(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// ledgerState is the persisted form of a terminal state.
func (s *session) ledgerState() ledger.UploadState {
	if s.load() == StateCompleted {
		return ledger.UploadCompleted
	}
	return ledger.UploadAborted
}

// active reports whether parts may still be listed.
func (s *session) active() bool {
	st := s.load()
	return st == StateCreated || st == StateCompleting
}

func (s *session) ref() backend.UploadRef {
	return backend.UploadRef{
		UploadID:        s.upload.UploadID,
		Bucket:          s.upload.Bucket,
		Key:             s.upload.Key,
		BackendUploadID: s.upload.BackendUploadID,
	}
}

// tombstone remembers a retired upload so repeated aborts stay idempotent.
type tombstone struct {
	state     State
	retiredAt time.Time
}
