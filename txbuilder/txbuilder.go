// Package txbuilder is the consumed transaction-builder collaborator of
// spec §6: build_absorb_tx/sign_absorb_tx, plus a persist-and-replay queue
// for submissions that fail transiently. Grounded on the teacher's
// found_block_async.go (assemble a payload asynchronously off the hot
// path, hand to a submit routine) and pending_submissions.go
// (persist-and-replay on transient failure).
package txbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pospacepool/cryptoverify"
)

// Builder is the narrow interface the core consumes from the chain's
// transaction-builder collaborator. The wire format of the built
// transaction is chain-specific and out of the core's scope (spec §1);
// this core only prepares the payload and hands it to a signing
// collaborator.
type Builder interface {
	BuildAbsorbTx(ctx context.Context, launcherID [32]byte, amount uint64, fee uint32) ([]byte, error)
	SignAbsorbTx(ctx context.Context, txBytes []byte, privkey []byte) ([]byte, error)
}

// LocalBuilder is a minimal concrete Builder: it assembles a
// launcher-id-scoped payload and signs it with the pool's BLS key,
// standing in for the real chain-specific transaction encoder this core
// treats as an external collaborator.
type LocalBuilder struct{}

func NewLocalBuilder() *LocalBuilder { return &LocalBuilder{} }

type absorbPayload struct {
	LauncherID [32]byte `json:"launcher_id"`
	Amount     uint64   `json:"amount"`
	Fee        uint32   `json:"fee"`
}

func (b *LocalBuilder) BuildAbsorbTx(ctx context.Context, launcherID [32]byte, amount uint64, fee uint32) ([]byte, error) {
	return json.Marshal(absorbPayload{LauncherID: launcherID, Amount: amount, Fee: fee})
}

func (b *LocalBuilder) SignAbsorbTx(ctx context.Context, txBytes []byte, privkey []byte) ([]byte, error) {
	sig, err := cryptoverify.BLSSign(privkey, txBytes)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, txBytes...), sig...), nil
}

// PendingSubmission is one built-and-signed absorb transaction that has
// not yet been confirmed pushed, persisted so a transient push_tx failure
// does not lose the payout.
type PendingSubmission struct {
	LauncherID [32]byte  `json:"launcher_id"`
	SignedTx   []byte    `json:"signed_tx"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// PendingQueue persists submissions atomically (one JSON file per
// launcher-id, written via rename, so a later submission for the same
// launcher-id replaces the earlier one) so a crash mid-retry can replay
// them at next startup.
type PendingQueue struct {
	mu  sync.Mutex
	dir string
}

func NewPendingQueue(dir string) (*PendingQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &PendingQueue{dir: dir}, nil
}

func (q *PendingQueue) pathFor(launcherID [32]byte) string {
	return filepath.Join(q.dir, hexID(launcherID)+".json")
}

// Persist durably records p for later replay.
func (q *PendingQueue) Persist(p PendingSubmission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp := q.pathFor(p.LauncherID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.pathFor(p.LauncherID))
}

// Remove drops a submission once it has been confirmed pushed.
func (q *PendingQueue) Remove(launcherID [32]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := os.Remove(q.pathFor(launcherID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LoadAll reads every persisted pending submission, for replay at startup.
func (q *PendingQueue) LoadAll() ([]PendingSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	var out []PendingSubmission
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, entry.Name()))
		if err != nil {
			continue
		}
		var p PendingSubmission
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func hexID(id [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
