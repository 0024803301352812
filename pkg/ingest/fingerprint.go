package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/crocodilestick/calibre-web-automated/pkg/models"
)

// leadingArticles covers the library language set; duplicate detection
// treats "The Hobbit" and "Hobbit" as the same title.
var leadingArticles = []string{
	"the", "a", "an", // English
	"der", "die", "das", "ein", "eine", // German
	"le", "la", "les", "un", "une", "l'", // French
	"el", "los", "las", "una", // Spanish
	"il", "lo", "gli", "uno", // Italian
	"de", "het", // Dutch
	"o", "os", "as", "um", "uma", // Portuguese
}

// nameParticles stay attached to the surname when extracting it ("van
// Beethoven", not "Beethoven").
var nameParticles = map[string]bool{
	"van": true, "von": true, "de": true, "da": true, "di": true,
	"du": true, "del": true, "della": true, "la": true, "le": true,
	"el": true, "al": true, "bin": true, "ibn": true,
}

// FingerprintInput is the metadata a fingerprint can draw on.
type FingerprintInput struct {
	Title     string
	Authors   string // ampersand-separated, primary first
	Language  string
	Series    string
	Publisher string
	Format    string
}

// Fingerprint assembles a stable key from the detection fields enabled in
// settings. Two books with equal fingerprints are flagged as potential
// duplicates; the classification never gates an import.
func Fingerprint(s *models.Settings, in FingerprintInput) string {
	var parts []string
	if s.DuplicateDetectTitle {
		parts = append(parts, "t:"+NormalizeTitle(in.Title))
	}
	if s.DuplicateDetectAuthor {
		parts = append(parts, "a:"+PrimarySurname(in.Authors))
	}
	if s.DuplicateDetectLanguage {
		parts = append(parts, "l:"+strings.ToLower(strings.TrimSpace(in.Language)))
	}
	if s.DuplicateDetectSeries {
		parts = append(parts, "s:"+NormalizeTitle(in.Series))
	}
	if s.DuplicateDetectPublisher {
		parts = append(parts, "p:"+NormalizeTitle(in.Publisher))
	}
	if s.DuplicateDetectFormat {
		parts = append(parts, "f:"+strings.ToLower(strings.TrimSpace(in.Format)))
	}

	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NormalizeTitle lowercases, strips a leading article, removes punctuation,
// and collapses whitespace.
func NormalizeTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	if title == "" {
		return ""
	}

	for _, article := range leadingArticles {
		if strings.HasSuffix(article, "'") {
			if strings.HasPrefix(title, article) {
				title = title[len(article):]
				break
			}
			continue
		}
		if strings.HasPrefix(title, article+" ") {
			title = title[len(article)+1:]
			break
		}
	}

	return scrub(title)
}

// scrub removes punctuation and collapses whitespace.
func scrub(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// PrimarySurname extracts the normalized surname of the primary author from
// an ampersand-separated author list, keeping name particles attached.
func PrimarySurname(authors string) string {
	primary := authors
	if i := strings.Index(authors, "&"); i >= 0 {
		primary = authors[:i]
	}
	primary = strings.TrimSpace(primary)
	if primary == "" {
		return ""
	}

	// "Surname, Given" form.
	if i := strings.Index(primary, ","); i >= 0 {
		primary = primary[:i]
	}

	fields := strings.Fields(strings.ToLower(primary))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		return scrub(fields[0])
	}

	surname := []string{fields[len(fields)-1]}
	for i := len(fields) - 2; i >= 0; i-- {
		if !nameParticles[fields[i]] {
			break
		}
		surname = append([]string{fields[i]}, surname...)
	}
	return scrub(strings.Join(surname, " "))
}
