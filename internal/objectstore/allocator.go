package objectstore

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// OutputPath is the result of ResolveOutputPath.
type OutputPath struct {
	// Folder is the normalized key of the target folder, root included.
	Folder   string
	Basename string
	// Counter is advisory: two concurrent callers may receive the same
	// value. Uniqueness of outputs comes from the random names assigned
	// when a payload is prepared.
	Counter   int
	Subfolder string
	// Prefix is the requested prefix after placeholder expansion.
	Prefix string
}

// Key returns the object key for a file with extension ext, in the
// engine's "<name>_<00001>_.<ext>" style.
func (p OutputPath) Key(ext string) string {
	name := fmt.Sprintf("%s_%05d_.%s", p.Basename, p.Counter, strings.TrimPrefix(ext, "."))
	return JoinKey(p.Folder, name)
}

// Allocator resolves output paths under a fixed root in the object store.
type Allocator struct {
	gw   *Gateway
	root string
}

func NewAllocator(gw *Gateway, root string) *Allocator {
	return &Allocator{gw: gw, root: root}
}

// ResolveOutputPath expands %width% and %height% in prefix, makes sure the
// target folder exists and computes the next sequence number for the
// basename. Storage failures never fail the call; the counter falls back
// to 1.
func (a *Allocator) ResolveOutputPath(ctx context.Context, prefix string, width, height int) OutputPath {
	expanded := strings.ReplaceAll(prefix, "%width%", strconv.Itoa(width))
	expanded = strings.ReplaceAll(expanded, "%height%", strconv.Itoa(height))

	cleaned := path.Clean(strings.ReplaceAll(expanded, `\`, "/"))
	subfolder := path.Dir(cleaned)
	if subfolder == "." || subfolder == "/" {
		subfolder = ""
	}
	basename := path.Base(cleaned)
	if basename == "." || basename == "/" {
		basename = ""
	}

	folder := JoinKey(a.root, subfolder)

	if !a.gw.Exists(ctx, folder) {
		a.gw.CreateFolder(ctx, folder)
	}

	return OutputPath{
		Folder:    folder,
		Basename:  basename,
		Counter:   nextCounter(a.gw.List(ctx, folder), basename),
		Subfolder: subfolder,
		Prefix:    expanded,
	}
}

// nextCounter returns 1 + the highest number found in names of the form
// "<basename>_<digits>[_...]". Names that match the basename but carry no
// parsable number count as 0.
func nextCounter(names []string, basename string) int {
	highest := 0
	for _, name := range names {
		if len(name) <= len(basename) || name[:len(basename)] != basename || name[len(basename)] != '_' {
			continue
		}
		digits := name[len(basename)+1:]
		if i := strings.IndexByte(digits, '_'); i >= 0 {
			digits = digits[:i]
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1
}
