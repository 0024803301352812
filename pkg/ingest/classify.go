package ingest

import (
	"github.com/gabriel-vasile/mimetype"
)

// mimeFormats maps content-detected MIME types to pipeline extensions.
// Download managers regularly drop files with a wrong or missing extension;
// the content is the authority.
var mimeFormats = map[string]string{
	"application/epub+zip":           "epub",
	"application/x-mobipocket-ebook": "mobi",
	"application/pdf":                "pdf",
	"application/x-fictionbook+xml":  "fb2",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.oasis.opendocument.text":                                 "odt",
	"text/rtf": "rtf",
}

// SniffFormat content-detects a file whose extension the pipeline does not
// recognize. Empty means the content is not a known book format either.
func SniffFormat(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	for m := mtype; m != nil; m = m.Parent() {
		if ext, ok := mimeFormats[m.String()]; ok {
			return ext
		}
	}
	return ""
}
