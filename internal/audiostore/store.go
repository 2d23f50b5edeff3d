// Package audiostore holds the per-call audio artifacts of a phone
// conversation: the caller's recorded utterance for each turn and the
// synthesized reply that is played back.
//
// Every call owns an isolated namespace. A namespace is reserved when the
// call starts, artifacts are saved under (call, turn, role) and addressed by
// an opaque [Ref], and the whole namespace is freed when the call ends.
//
// Four backends are provided: [Memory], [Disk], [SQLite] and [NATS]. All of
// them are safe for concurrent use.
package audiostore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Load when the artifact was never saved, has
	// been released, or its namespace is unknown.
	ErrNotFound = errors.New("audiostore: artifact not found")

	// ErrStorage is wrapped by every other failure of a Store.
	ErrStorage = errors.New("audiostore: storage failure")

	// ErrNotReserved is returned by Save when the call has no namespace,
	// either because it was never reserved or because it was released.
	ErrNotReserved = fmt.Errorf("%w: call namespace not reserved", ErrStorage)

	errEmptyCallID = errors.New("empty call id")
)

// Role tells whose audio an artifact holds.
type Role string

const (
	// RoleIncoming is the counterpart's recorded utterance.
	RoleIncoming Role = "incoming"
	// RoleOutgoing is the synthesized reply.
	RoleOutgoing Role = "outgoing"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleIncoming || r == RoleOutgoing
}

// Namespace is the isolated storage area of one call.
type Namespace string

// Key addresses one artifact slot.
type Key struct {
	CallID string
	Turn   int
	Role   Role
}

// Artifact is a stored piece of audio.
type Artifact struct {
	Data        []byte
	ContentType string
}

// Store is the audio artifact store.
type Store interface {
	// Reserve allocates the namespace of callID. Reserving an active call
	// again returns the same namespace.
	Reserve(ctx context.Context, callID string) (Namespace, error)

	// Save stores data in the slot named by key. Saving the same key twice
	// overwrites the artifact and returns the same Ref.
	// Returns [ErrNotReserved] if the call has no namespace.
	Save(ctx context.Context, key Key, data []byte, contentType string) (Ref, error)

	// Load returns the artifact addressed by ref.
	// Returns [ErrNotFound] if it does not exist.
	Load(ctx context.Context, ref Ref) (Artifact, error)

	// Release frees every artifact of callID. Releasing an unknown or
	// already released call is a no-op.
	Release(ctx context.Context, callID string) error

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// storageErr wraps err with ErrStorage unless it already carries a store sentinel.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func validateKey(key Key) error {
	switch {
	case key.CallID == "":
		return fmt.Errorf("%w: empty call id", ErrStorage)
	case key.Turn < 0:
		return fmt.Errorf("%w: negative turn %d", ErrStorage, key.Turn)
	case !key.Role.Valid():
		return fmt.Errorf("%w: invalid role %q", ErrStorage, key.Role)
	}
	return nil
}
