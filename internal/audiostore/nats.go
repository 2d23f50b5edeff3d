package audiostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Compile-time assertion that NATS satisfies the Store interface.
var _ Store = (*NATS)(nil)

// NATS is a [Store] backed by a JetStream object store bucket. Objects are
// named after their [Ref] and carry the content type in their headers. The
// namespace index lives in process memory.
type NATS struct {
	bucket string
	store  nats.ObjectStore
	index  *nsIndex

	mu    sync.Mutex
	slots map[Namespace]map[string]struct{}
}

// NewNATS binds to bucketName, creating it on first use.
func NewNATS(js nats.JetStreamContext, bucketName string) (*NATS, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: "Per-call audio artifacts.",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, storageErr(fmt.Sprintf("create bucket %q", bucketName), err)
		}
		store, err = js.ObjectStore(bucketName)
		if err != nil {
			return nil, storageErr(fmt.Sprintf("bind bucket %q", bucketName), err)
		}
	}
	return &NATS{
		bucket: bucketName,
		store:  store,
		index:  newNSIndex(),
		slots:  make(map[Namespace]map[string]struct{}),
	}, nil
}

// Reserve implements [Store.Reserve].
func (n *NATS) Reserve(_ context.Context, callID string) (Namespace, error) {
	if callID == "" {
		return "", storageErr("reserve", errEmptyCallID)
	}
	ns, _ := n.index.reserve(callID)
	return ns, nil
}

// Save implements [Store.Save].
func (n *NATS) Save(_ context.Context, key Key, data []byte, contentType string) (Ref, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	ns, ok := n.index.lookup(key.CallID)
	if !ok {
		return "", ErrNotReserved
	}
	ref := NewRef(ns, key)

	h := nats.Header{}
	h.Set("Content-Type", contentType)
	if _, err := n.store.Put(&nats.ObjectMeta{Name: string(ref), Headers: h}, bytes.NewReader(data)); err != nil {
		return "", storageErr(fmt.Sprintf("put %q to bucket %q", ref, n.bucket), err)
	}

	n.mu.Lock()
	if n.slots[ns] == nil {
		n.slots[ns] = make(map[string]struct{})
	}
	n.slots[ns][string(ref)] = struct{}{}
	n.mu.Unlock()
	return ref, nil
}

// Load implements [Store.Load].
func (n *NATS) Load(_ context.Context, ref Ref) (Artifact, error) {
	ns, _, err := ParseRef(ref)
	if err != nil {
		return Artifact{}, err
	}
	if !n.index.active(ns) {
		return Artifact{}, ErrNotFound
	}
	obj, err := n.store.Get(string(ref))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, storageErr(fmt.Sprintf("get %q from bucket %q", ref, n.bucket), err)
	}
	var ct string
	if info, err := obj.Info(); err == nil && info.Headers != nil {
		ct = info.Headers.Get("Content-Type")
	}
	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return Artifact{}, storageErr(fmt.Sprintf("read %q", ref), readErr)
	}
	if closeErr != nil {
		return Artifact{}, storageErr(fmt.Sprintf("close %q", ref), closeErr)
	}
	return Artifact{Data: data, ContentType: ct}, nil
}

// Release implements [Store.Release].
func (n *NATS) Release(_ context.Context, callID string) error {
	ns, ok := n.index.remove(callID)
	if !ok {
		return nil
	}
	n.mu.Lock()
	names := n.slots[ns]
	delete(n.slots, ns)
	n.mu.Unlock()

	var errs []error
	for name := range names {
		if err := n.store.Delete(name); err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
			errs = append(errs, storageErr(fmt.Sprintf("delete %q", name), err))
		}
	}
	return errors.Join(errs...)
}

// Ping implements [Store.Ping] by reading the bucket status.
func (n *NATS) Ping(context.Context) error {
	if _, err := n.store.Status(); err != nil {
		return storageErr(fmt.Sprintf("status of bucket %q", n.bucket), err)
	}
	return nil
}

// Close implements [Store.Close]. It deletes the artifacts of every call
// still reserved; the NATS connection belongs to the caller.
func (n *NATS) Close() error {
	var errs []error
	for callID := range n.index.all() {
		errs = append(errs, n.Release(context.Background(), callID))
	}
	return errors.Join(errs...)
}
