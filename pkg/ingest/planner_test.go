package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanPackagesGroupsByStem(t *testing.T) {
	t.Parallel()

	packages := PlanPackages([]string{
		"/in/Alice.pdf",
		"/in/alice.epub",
		"/in/Bob.mobi",
		"/in/sub/Alice.epub",
	})

	assert.Len(t, packages, 3)

	// Same directory, case-insensitive stem: one package, epub wins.
	assert.Equal(t, "/in/alice.epub", packages[0].Primary)
	assert.Equal(t, []string{"/in/Alice.pdf"}, packages[0].Siblings)

	assert.Equal(t, "/in/Bob.mobi", packages[1].Primary)
	assert.Empty(t, packages[1].Siblings)

	// Same stem in a different directory is a different book.
	assert.Equal(t, "/in/sub/Alice.epub", packages[2].Primary)
}

func TestPlanPackagesPriorityOrder(t *testing.T) {
	t.Parallel()

	packages := PlanPackages([]string{
		"/in/book.txt",
		"/in/book.azw3",
		"/in/book.pdf",
		"/in/book.epub",
	})

	assert.Len(t, packages, 1)
	assert.Equal(t, "/in/book.epub", packages[0].Primary)
	assert.Equal(t, []string{"/in/book.azw3", "/in/book.pdf", "/in/book.txt"}, packages[0].Siblings)
}

func TestPlanPackagesUnknownExtensionsSortLast(t *testing.T) {
	t.Parallel()

	packages := PlanPackages([]string{
		"/in/book.zzz",
		"/in/book.aaa",
		"/in/book.djvu",
	})

	assert.Len(t, packages, 1)
	// djvu is last in the priority list but still beats unknowns; unknowns
	// tie-break lexicographically.
	assert.Equal(t, "/in/book.djvu", packages[0].Primary)
	assert.Equal(t, []string{"/in/book.aaa", "/in/book.zzz"}, packages[0].Siblings)
}

func TestSupportedFormat(t *testing.T) {
	t.Parallel()

	assert.True(t, SupportedFormat("epub"))
	assert.True(t, SupportedFormat("cbz"))
	assert.False(t, SupportedFormat("exe"))
	assert.False(t, SupportedFormat(""))
}

func TestRetainedSiblings(t *testing.T) {
	t.Parallel()

	pkg := Package{
		Primary:  "/in/book.epub",
		Siblings: []string{"/in/book.azw3", "/in/book.pdf", "/in/book.txt"},
	}

	assert.Nil(t, RetainedSiblings(pkg, nil))
	assert.Equal(t, []string{"/in/book.pdf"}, RetainedSiblings(pkg, []string{"pdf"}))
	assert.Equal(t,
		[]string{"/in/book.azw3", "/in/book.pdf"},
		RetainedSiblings(pkg, []string{"azw3", "pdf"}))
}
