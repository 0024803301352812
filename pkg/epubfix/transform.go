package epubfix

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const xmlDeclaration = `<?xml version="1.0" encoding="utf-8"?>`

// kindleLanguages are the primary tags Kindle's importer accepts; anything
// else (or an absent tag) normalizes to "en". Subtags like en-GB pass
// through on their primary tag.
var kindleLanguages = map[string]bool{
	"af": true, "ar": true, "bg": true, "ca": true, "cs": true, "da": true,
	"de": true, "el": true, "en": true, "es": true, "et": true, "eu": true,
	"fi": true, "fr": true, "ga": true, "gl": true, "he": true, "hi": true,
	"hr": true, "hu": true, "id": true, "it": true, "ja": true, "ko": true,
	"lt": true, "lv": true, "ms": true, "nb": true, "nl": true, "nn": true,
	"no": true, "pl": true, "pt": true, "ro": true, "ru": true, "sk": true,
	"sl": true, "sv": true, "th": true, "tr": true, "uk": true, "vi": true,
	"zh": true,
}

// iso639_3to1 maps the three-letter codes calibre sometimes writes to the
// two-letter tags Kindle wants.
var iso639_3to1 = map[string]string{
	"eng": "en", "deu": "de", "ger": "de", "fra": "fr", "fre": "fr",
	"spa": "es", "ita": "it", "por": "pt", "nld": "nl", "dut": "nl",
	"rus": "ru", "jpn": "ja", "zho": "zh", "chi": "zh", "kor": "ko",
	"pol": "pl", "swe": "sv", "dan": "da", "nor": "no", "fin": "fi",
	"ces": "cs", "cze": "cs", "ell": "el", "gre": "el", "tur": "tr",
	"ara": "ar", "heb": "he", "hin": "hi", "ukr": "uk", "hun": "hu",
}

// fixContentDocument applies the XHTML-level fixes and records which ones
// changed the document.
func fixContentDocument(content []byte, applied map[string]bool) []byte {
	fixed := ensureEncodingDeclaration(content)
	if !bytes.Equal(fixed, content) {
		applied[FixEncodingDeclaration] = true
	}
	content = fixed

	fixed, changedBody, changedImg := fixDocumentTree(content)
	if changedBody {
		applied[FixBodyID] = true
	}
	if changedImg {
		applied[FixEmptyImageSource] = true
	}
	if changedBody || changedImg {
		content = fixed
	}

	return content
}

// ensureEncodingDeclaration prepends the XML declaration when the document
// has none. Kindle assumes Latin-1 for undeclared documents and mangles
// multibyte text.
func ensureEncodingDeclaration(content []byte) []byte {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return content
	}
	var buf bytes.Buffer
	buf.WriteString(xmlDeclaration)
	buf.WriteString("\n")
	buf.Write(content)
	return buf.Bytes()
}

// fixDocumentTree parses the document and strips body id attributes and
// images with empty sources. Parse failure leaves the document untouched;
// a rendering-grade parser accepts almost anything, so failures here mean
// the file is damaged beyond what we should rewrite.
func fixDocumentTree(content []byte) (out []byte, changedBody, changedImg bool) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return content, false, false
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "body":
				kept := n.Attr[:0]
				for _, attr := range n.Attr {
					if attr.Key == "id" {
						changedBody = true
						continue
					}
					kept = append(kept, attr)
				}
				n.Attr = kept
			case "img":
				src := ""
				for _, attr := range n.Attr {
					if attr.Key == "src" {
						src = attr.Val
					}
				}
				if strings.TrimSpace(src) == "" {
					changedImg = true
					n.Parent.RemoveChild(n)
					return
				}
			}
		}
		// Children may be removed mid-walk; snapshot the next pointer.
		for child := n.FirstChild; child != nil; {
			next := child.NextSibling
			walk(child)
			child = next
		}
	}
	walk(doc)

	if !changedBody && !changedImg {
		return content, false, false
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return content, false, false
	}
	return ensureEncodingDeclaration(buf.Bytes()), changedBody, changedImg
}

var dcLanguageRe = regexp.MustCompile(`(?s)(<dc:language[^>]*>)(.*?)(</dc:language>)`)

// fixOPF normalizes the dc:language element to a tag Kindle accepts.
func fixOPF(content []byte, applied map[string]bool) []byte {
	fixed := dcLanguageRe.ReplaceAllFunc(content, func(m []byte) []byte {
		parts := dcLanguageRe.FindSubmatch(m)
		current := strings.TrimSpace(string(parts[2]))
		normalized := normalizeLanguage(current)
		if normalized == current {
			return m
		}
		applied[FixLanguageTag] = true
		return []byte(string(parts[1]) + normalized + string(parts[3]))
	})
	return fixed
}

func normalizeLanguage(tag string) string {
	lower := strings.ToLower(tag)
	primary := lower
	if i := strings.IndexAny(lower, "-_"); i > 0 {
		primary = lower[:i]
	}

	if mapped, ok := iso639_3to1[primary]; ok {
		return mapped
	}
	if kindleLanguages[primary] {
		// Preserve region subtags but canonicalize the separator.
		return strings.ReplaceAll(lower, "_", "-")
	}
	return "en"
}
