package audiostore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Ref is the opaque identifier of a stored artifact, shaped
// "<namespace>/<turn>-<role>". It is safe to embed in a URL path.
type Ref string

var slotName = regexp.MustCompile(`^[0-9]+-(incoming|outgoing)$`)

// NewRef builds the ref of key inside ns.
func NewRef(ns Namespace, key Key) Ref {
	return Ref(string(ns) + "/" + slotFor(key))
}

// ParseRef splits ref into its namespace and slot name. It rejects anything
// that NewRef could not have produced, so the parts are safe to use as file
// and object names.
func ParseRef(ref Ref) (Namespace, string, error) {
	ns, name, ok := strings.Cut(string(ref), "/")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed ref %q", ErrNotFound, ref)
	}
	if _, err := uuid.Parse(ns); err != nil {
		return "", "", fmt.Errorf("%w: malformed namespace in ref %q", ErrNotFound, ref)
	}
	if !slotName.MatchString(name) {
		return "", "", fmt.Errorf("%w: malformed slot in ref %q", ErrNotFound, ref)
	}
	return Namespace(ns), name, nil
}

func slotFor(key Key) string {
	return strconv.Itoa(key.Turn) + "-" + string(key.Role)
}

func newNamespace() Namespace {
	return Namespace(uuid.NewString())
}
