package checkers

import (
	"fmt"
	"sort"
	"strings"
)

// Namespace holds maps from schema URIs to the prefixes that are used
// to encode them in first party caveats. Several different URIs may map
// to the same prefix; this is usual when several backwardly compatible
// schema versions are registered.
type Namespace struct {
	uriToPrefix map[string]string
}

// NewNamespace returns a new namespace with the given initial contents.
// It panics in the same way as Register if any of the initial entries
// are invalid.
func NewNamespace(uriToPrefix map[string]string) *Namespace {
	ns := &Namespace{
		uriToPrefix: make(map[string]string),
	}
	for uri, prefix := range uriToPrefix {
		ns.Register(uri, prefix)
	}

	return ns
}

// String returns the namespace representation as returned by
// MarshalText.
func (ns *Namespace) String() string {
	data, _ := ns.MarshalText()
	return string(data)
}

// MarshalText implements encoding.TextMarshaler. All the elements in
// the namespace are sorted by URI, joined to the associated prefix with
// a colon and separated with spaces.
func (ns *Namespace) MarshalText() ([]byte, error) {
	if ns == nil || len(ns.uriToPrefix) == 0 {
		return nil, nil
	}
	uris := make([]string, 0, len(ns.uriToPrefix))
	dataLen := 0
	for uri, prefix := range ns.uriToPrefix {
		uris = append(uris, uri)
		dataLen += len(uri) + 1 + len(prefix) + 1
	}
	sort.Strings(uris)
	data := make([]byte, 0, dataLen)
	for i, uri := range uris {
		if i > 0 {
			data = append(data, ' ')
		}
		data = append(data, uri...)
		data = append(data, ':')
		data = append(data, ns.uriToPrefix[uri]...)
	}

	return data, nil
}

// UnmarshalText implements encoding.TextUnmarshaler, reading the format
// produced by MarshalText.
func (ns *Namespace) UnmarshalText(data []byte) error {
	uriToPrefix := make(map[string]string)
	for _, field := range strings.Fields(string(data)) {
		i := strings.Index(field, ":")
		if i == -1 {
			return fmt.Errorf("no colon in namespace "+
				"field %q", field)
		}
		uri, prefix := field[0:i], field[i+1:]
		if !IsValidSchemaURI(uri) {
			return fmt.Errorf("invalid URI %q in namespace "+
				"field %q", uri, field)
		}
		if !IsValidPrefix(prefix) {
			return fmt.Errorf("invalid prefix %q in namespace "+
				"field %q", prefix, field)
		}
		if _, ok := uriToPrefix[uri]; ok {
			return fmt.Errorf("duplicate URI %q in "+
				"namespace %q", uri, data)
		}
		uriToPrefix[uri] = prefix
	}
	ns.uriToPrefix = uriToPrefix

	return nil
}

// Register registers the given URI and associates it with the given
// prefix. If the URI has already been registered, this is a no-op. It
// panics if the URI or the prefix is not valid.
func (ns *Namespace) Register(uri, prefix string) {
	if !IsValidSchemaURI(uri) {
		panic(fmt.Sprintf("cannot register invalid URI %q "+
			"(prefix %q)", uri, prefix))
	}
	if !IsValidPrefix(prefix) {
		panic(fmt.Sprintf("cannot register invalid prefix %q for "+
			"URI %q", prefix, uri))
	}
	if _, ok := ns.uriToPrefix[uri]; !ok {
		ns.uriToPrefix[uri] = prefix
	}
}

// Resolve returns the prefix registered for the given schema URI and
// reports whether it was found.
func (ns *Namespace) Resolve(uri string) (string, bool) {
	if ns == nil {
		return "", false
	}
	prefix, ok := ns.uriToPrefix[uri]

	return prefix, ok
}

// ResolveCaveat resolves the given caveat against the namespace,
// returning a caveat with its condition prefixed appropriately. Third
// party caveats are left alone, as are caveats in no namespace. A
// caveat in an unregistered namespace is replaced with an error caveat.
func (ns *Namespace) ResolveCaveat(cav Caveat) Caveat {
	if cav.Namespace == "" || cav.Location != "" {
		return cav
	}
	prefix, ok := ns.Resolve(cav.Namespace)
	if !ok {
		errCav := ErrorCaveatf("caveat %q in unregistered "+
			"namespace %q", cav.Condition, cav.Namespace)
		if errCav.Namespace != cav.Namespace {
			errCav = ns.ResolveCaveat(errCav)
		}
		return errCav
	}
	if prefix != "" {
		cav.Condition = ConditionWithPrefix(prefix, cav.Condition)
	}
	cav.Namespace = ""

	return cav
}

// ConditionWithPrefix returns the given condition string prefixed by
// the given prefix. If the prefix is empty, the condition is returned
// unchanged.
func ConditionWithPrefix(prefix, condition string) string {
	if prefix == "" {
		return condition
	}

	return prefix + ":" + condition
}

// IsValidSchemaURI reports whether the given argument is suitable for
// use as a namespace schema URI. It must be non-empty and must not
// contain white space.
func IsValidSchemaURI(uri string) bool {
	return len(uri) > 0 && !strings.Contains(uri, " ")
}

// IsValidPrefix reports whether the given prefix is valid. It must not
// contain white space or colon.
func IsValidPrefix(prefix string) bool {
	return !strings.ContainsAny(prefix, " :")
}
