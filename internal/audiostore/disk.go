package audiostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Compile-time assertion that Disk satisfies the Store interface.
var _ Store = (*Disk)(nil)

// Disk is a [Store] that keeps one directory per namespace below a root
// directory. Each artifact is a pair of files: "<slot>.audio" with the raw
// bytes and "<slot>.json" with its metadata. Writes are atomic.
type Disk struct {
	root  string
	index *nsIndex
}

type diskMeta struct {
	ContentType string `json:"content_type"`
}

// OpenDisk creates root if needed and returns a Disk store. Namespace
// directories left behind by a previous process belong to calls that cannot
// resume, so they are removed.
func OpenDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, storageErr("create root", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, storageErr("read root", err)
	}
	for _, e := range entries {
		if _, perr := uuid.Parse(e.Name()); !e.IsDir() || perr != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			slog.Warn("audiostore: failed to remove stale namespace", "namespace", e.Name(), "err", err)
		}
	}
	slog.Info("audiostore: disk store opened", "root", root)
	return &Disk{root: root, index: newNSIndex()}, nil
}

// Reserve implements [Store.Reserve].
func (d *Disk) Reserve(_ context.Context, callID string) (Namespace, error) {
	if callID == "" {
		return "", storageErr("reserve", errEmptyCallID)
	}
	ns, created := d.index.reserve(callID)
	if !created {
		return ns, nil
	}
	if err := os.Mkdir(d.nsDir(ns), 0o750); err != nil {
		d.index.remove(callID)
		return "", storageErr("reserve", err)
	}
	return ns, nil
}

// Save implements [Store.Save].
func (d *Disk) Save(_ context.Context, key Key, data []byte, contentType string) (Ref, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	ns, ok := d.index.lookup(key.CallID)
	if !ok {
		return "", ErrNotReserved
	}
	slot := slotFor(key)
	dir := d.nsDir(ns)

	meta, err := json.Marshal(diskMeta{ContentType: contentType})
	if err != nil {
		return "", storageErr("save", err)
	}
	if err := writeAtomic(dir, slot+".audio", data); err != nil {
		return "", storageErr("save", err)
	}
	if err := writeAtomic(dir, slot+".json", meta); err != nil {
		return "", storageErr("save", err)
	}
	return NewRef(ns, key), nil
}

// Load implements [Store.Load].
func (d *Disk) Load(_ context.Context, ref Ref) (Artifact, error) {
	ns, slot, err := ParseRef(ref)
	if err != nil {
		return Artifact{}, err
	}
	if !d.index.active(ns) {
		return Artifact{}, ErrNotFound
	}
	dir := d.nsDir(ns)
	data, err := os.ReadFile(filepath.Join(dir, slot+".audio"))
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, storageErr("load", err)
	}
	var meta diskMeta
	raw, err := os.ReadFile(filepath.Join(dir, slot+".json"))
	if err != nil {
		return Artifact{}, storageErr("load metadata", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Artifact{}, storageErr("decode metadata", err)
	}
	return Artifact{Data: data, ContentType: meta.ContentType}, nil
}

// Release implements [Store.Release].
func (d *Disk) Release(_ context.Context, callID string) error {
	ns, ok := d.index.remove(callID)
	if !ok {
		return nil
	}
	if err := os.RemoveAll(d.nsDir(ns)); err != nil {
		return storageErr("release", err)
	}
	return nil
}

// Ping implements [Store.Ping] by checking that the root is a writable directory.
func (d *Disk) Ping(context.Context) error {
	f, err := os.CreateTemp(d.root, ".ping-*")
	if err != nil {
		return storageErr("ping", err)
	}
	name := f.Name()
	f.Close()
	return storageErr("ping", os.Remove(name))
}

// Close implements [Store.Close]. It removes the namespaces still held.
func (d *Disk) Close() error {
	var errs []error
	for callID := range d.index.all() {
		errs = append(errs, d.Release(context.Background(), callID))
	}
	return errors.Join(errs...)
}

func (d *Disk) nsDir(ns Namespace) string {
	return filepath.Join(d.root, string(ns))
}

// writeAtomic writes data to dir/name through a temp file and rename.
func writeAtomic(dir, name string, data []byte) error {
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
