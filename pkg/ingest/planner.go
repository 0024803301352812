package ingest

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/crocodilestick/calibre-web-automated/pkg/fileutils"
)

// FormatPriority is the authoritative ordering used to pick the best source
// format out of a mixed-format drop. Earlier is better. The inherited
// configuration carried two conflicting lists; this is the single merged
// ordering, and ties (extensions absent from the list) break on lexicographic
// extension order.
var FormatPriority = []string{
	"epub", "kepub", "azw3", "mobi", "azw", "pdf", "cbz", "cbr", "docx",
	"rtf", "odt", "html", "htmlz", "txt", "lit", "fb2", "lrf", "pdb",
	"prc", "djvu",
}

var formatRank = func() map[string]int {
	m := make(map[string]int, len(FormatPriority))
	for i, ext := range FormatPriority {
		m[ext] = i
	}
	return m
}()

// SupportedFormat reports whether the pipeline knows how to handle the
// extension at all.
func SupportedFormat(ext string) bool {
	_, ok := formatRank[ext]
	return ok
}

// rank returns the priority index; unknown extensions sort after all known
// ones, ordered among themselves lexicographically via Less below.
func rank(ext string) int {
	if r, ok := formatRank[ext]; ok {
		return r
	}
	return len(FormatPriority)
}

// Package is one logical book dropped as one or more format files in the
// same directory.
type Package struct {
	// Primary is the best-priority file; it is the one converted or
	// imported.
	Primary string
	// Siblings are the remaining files, candidates for retained formats.
	Siblings []string
}

// PlanPackages groups paths into packages. Files belong to the same package
// when they share a directory and a case-insensitive stem; a downloader
// dropping "Alice.epub" and "alice.pdf" into one directory means one book.
func PlanPackages(paths []string) []Package {
	groups := map[string][]string{}
	var order []string
	for _, path := range paths {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		key := filepath.Dir(path) + "\x00" + stem
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], path)
	}

	packages := make([]Package, 0, len(order))
	for _, key := range order {
		members := groups[key]
		sort.Slice(members, func(i, j int) bool {
			return lessByPriority(members[i], members[j])
		})
		pkg := Package{Primary: members[0]}
		if len(members) > 1 {
			pkg.Siblings = members[1:]
		}
		packages = append(packages, pkg)
	}
	return packages
}

// lessByPriority orders paths by format priority, ties broken on extension
// lexicographic order so the plan is deterministic.
func lessByPriority(a, b string) bool {
	ea, eb := fileutils.Ext(a), fileutils.Ext(b)
	ra, rb := rank(ea), rank(eb)
	if ra != rb {
		return ra < rb
	}
	if ea != eb {
		return ea < eb
	}
	return a < b
}

// RetainedSiblings filters a package's siblings to those whose extension is
// configured as a retained format.
func RetainedSiblings(pkg Package, retained []string) []string {
	if len(retained) == 0 {
		return nil
	}
	keep := map[string]bool{}
	for _, ext := range retained {
		keep[ext] = true
	}
	var out []string
	for _, path := range pkg.Siblings {
		if keep[fileutils.Ext(path)] {
			out = append(out, path)
		}
	}
	return out
}
