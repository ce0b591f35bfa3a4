package browser

import (
	"errors"
	"strings"

	"github.com/and161185/gophnotes/internal/errs"
)

// Path returns the slash separated path of it, "/" for the root.
func Path(b Browser, it Iter) (string, error) {
	var parts []string
	for it != b.Root() {
		name, err := b.NodeName(it)
		if err != nil {
			return "", err
		}
		parts = append(parts, name)
		if it, err = b.Parent(it); err != nil {
			return "", err
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}

// Find returns the child of the explored directory parent called name.
func Find(b Browser, parent Iter, name string) (Iter, error) {
	it, err := b.Child(parent)
	for err == nil {
		var n string
		if n, err = b.NodeName(it); err != nil {
			return Iter{}, err
		}
		if n == name {
			return it, nil
		}
		it, err = b.Next(it)
	}
	if errors.Is(err, errs.ErrNoSuchNode) {
		return Iter{}, errs.Newf(errs.DomainDirectory, errs.CodeNoSuchNode, "No node %q", name)
	}
	return Iter{}, err
}

// SplitPath splits a slash separated path into its non-empty components.
func SplitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ValidName reports whether name can name a node.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00")
}
