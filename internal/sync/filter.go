package sync

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RejectReason explains why an absolute path is not eligible for sync.
// The zero value means the path was accepted.
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectOutsideRoot       RejectReason = "outside-root"
	RejectIsDirectory       RejectReason = "is-directory"
	RejectExcludedName      RejectReason = "excluded-name"
	RejectExcludedExtension RejectReason = "excluded-extension"
	RejectSymlinkEscape     RejectReason = "symlink-escape"
)

// excludedSuffixes are file name endings that are never synced: editor and
// office temporaries.
var excludedSuffixes = []string{".tmp", ".swp"}

// excludedComponents are path components whose whole subtree is skipped.
var excludedComponents = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// excludedExactNames are file names that are never synced regardless of
// case conventions elsewhere. Dot-files are covered by the "." prefix rule;
// Thumbs.db is the one bare name Windows drops everywhere.
var excludedExactNames = map[string]bool{
	"Thumbs.db": true,
}

// Filter maps absolute paths to canonical RelativePaths under the watched
// root and applies the eligibility rules. Filtering is idempotent: the
// decision depends only on the path and the configured extension list.
type Filter struct {
	root string
	// resolvedRoot is root with its own symlinks evaluated (macOS mounts
	// often live behind /var-style links); symlink targets are judged
	// against it.
	resolvedRoot string
	exts         map[string]bool // nil means all extensions eligible
}

// NewFilter creates a Filter for root. extensions is the normalized
// (lower-case, dot-prefixed) allow-list from the config; nil or empty means
// every extension is eligible subject to the built-in exclusions.
func NewFilter(root string, extensions []string) *Filter {
	var exts map[string]bool

	if len(extensions) > 0 {
		exts = make(map[string]bool, len(extensions))
		for _, e := range extensions {
			exts[strings.ToLower(e)] = true
		}
	}

	root = filepath.Clean(root)

	resolvedRoot := root
	if r, err := filepath.EvalSymlinks(root); err == nil {
		resolvedRoot = r
	}

	return &Filter{root: root, resolvedRoot: resolvedRoot, exts: exts}
}

// Root returns the watched root the filter was built for.
func (f *Filter) Root() string {
	return f.root
}

// Resolve maps an absolute path to its canonical RelativePath (forward
// slashes, NFC-normalized) or a rejection reason. The path need not exist:
// for a vanished file (delete events) the lexical rules still apply and the
// symlink/directory checks are skipped.
func (f *Filter) Resolve(absPath string) (string, RejectReason) {
	rel, reason := f.relativePath(absPath)
	if reason != RejectNone {
		return "", reason
	}

	if reason := f.checkComponents(rel); reason != RejectNone {
		return "", reason
	}

	name := filepath.Base(rel)

	if reason := f.checkType(absPath); reason != RejectNone {
		return "", reason
	}

	if f.exts != nil && !f.exts[strings.ToLower(filepath.Ext(name))] {
		return "", RejectExcludedExtension
	}

	return norm.NFC.String(filepath.ToSlash(rel)), RejectNone
}

// ExcludedDir reports whether a directory name prunes its whole subtree
// from walks and watches: dot-directories and the excluded components.
func (f *Filter) ExcludedDir(name string) bool {
	return strings.HasPrefix(name, ".") || excludedComponents[name]
}

// relativePath computes the cleaned path of absPath under the root,
// rejecting anything outside it (including the root itself).
func (f *Filter) relativePath(absPath string) (string, RejectReason) {
	if !filepath.IsAbs(absPath) {
		return "", RejectOutsideRoot
	}

	rel, err := filepath.Rel(f.root, filepath.Clean(absPath))
	if err != nil {
		return "", RejectOutsideRoot
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", RejectOutsideRoot
	}

	return rel, RejectNone
}

// checkComponents applies the name rules to every path component and the
// extension-independent name rules to the final component.
func (f *Filter) checkComponents(rel string) RejectReason {
	components := strings.Split(rel, string(filepath.Separator))

	for _, comp := range components {
		if excludedComponents[comp] {
			return RejectExcludedName
		}
	}

	return checkName(components[len(components)-1])
}

// checkName applies the built-in file name exclusions: dot-files, office
// lock files, OS litter, and temporary suffixes.
func checkName(name string) RejectReason {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return RejectExcludedName
	}

	if excludedExactNames[name] {
		return RejectExcludedName
	}

	lower := strings.ToLower(name)
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return RejectExcludedName
		}
	}

	return RejectNone
}

// checkType rejects directories and symlinks. Symlinks are never followed:
// one pointing outside the root is a symlink-escape, one pointing inside is
// simply not synced. A path that no longer exists passes — the lexical
// rules already ran, and delete handling needs the RelativePath.
func (f *Filter) checkType(absPath string) RejectReason {
	info, err := os.Lstat(absPath)
	if err != nil {
		return RejectNone
	}

	if info.IsDir() {
		return RejectIsDirectory
	}

	if info.Mode()&fs.ModeSymlink == 0 {
		return RejectNone
	}

	target, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Broken link — nothing to sync either way.
		return RejectSymlinkEscape
	}

	rel, err := filepath.Rel(f.resolvedRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return RejectSymlinkEscape
	}

	return RejectExcludedName
}
