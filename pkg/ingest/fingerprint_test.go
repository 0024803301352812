package ingest

import (
	"testing"

	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hobbit", NormalizeTitle("The Hobbit"))
	assert.Equal(t, "hobbit", NormalizeTitle("  hobbit  "))
	assert.Equal(t, "zauberberg", NormalizeTitle("Der Zauberberg"))
	assert.Equal(t, "count of montecristo", NormalizeTitle("The Count  of Monte-Cristo!"))
	assert.Equal(t, "étranger", NormalizeTitle("L'Étranger"))
	assert.Equal(t, "", NormalizeTitle(""))

	// Only one leading article is stripped.
	assert.Equal(t, "la recherche", NormalizeTitle("A la recherche"))
}

func TestPrimarySurname(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tolkien", PrimarySurname("J. R. R. Tolkien"))
	assert.Equal(t, "tolkien", PrimarySurname("J. R. R. Tolkien & Christopher Tolkien"))
	assert.Equal(t, "van beethoven", PrimarySurname("Ludwig van Beethoven"))
	assert.Equal(t, "le guin", PrimarySurname("Ursula K. Le Guin"))
	assert.Equal(t, "tolkien", PrimarySurname("Tolkien, J. R. R."))
	assert.Equal(t, "plato", PrimarySurname("Plato"))
	assert.Equal(t, "", PrimarySurname(""))
}

func TestFingerprintComposition(t *testing.T) {
	t.Parallel()

	set := &models.Settings{
		DuplicateDetectTitle:  true,
		DuplicateDetectAuthor: true,
	}

	a := Fingerprint(set, FingerprintInput{Title: "The Hobbit", Authors: "J. R. R. Tolkien"})
	b := Fingerprint(set, FingerprintInput{Title: "hobbit", Authors: "Tolkien, J. R. R."})
	assert.Equal(t, a, b)

	c := Fingerprint(set, FingerprintInput{Title: "The Hobbit", Authors: "Christopher Tolkien"})
	assert.NotEqual(t, a, c)

	// Disabled fields don't contribute: same title+author, different format.
	d := Fingerprint(set, FingerprintInput{Title: "The Hobbit", Authors: "J. R. R. Tolkien", Format: "pdf"})
	assert.Equal(t, a, d)

	// Enabling format detection separates them.
	set.DuplicateDetectFormat = true
	e := Fingerprint(set, FingerprintInput{Title: "The Hobbit", Authors: "J. R. R. Tolkien", Format: "pdf"})
	f := Fingerprint(set, FingerprintInput{Title: "The Hobbit", Authors: "J. R. R. Tolkien", Format: "epub"})
	assert.NotEqual(t, e, f)
}
