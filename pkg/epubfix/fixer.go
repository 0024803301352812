// Package epubfix applies the fixes Kindle's importer needs to accept EPUBs
// that strict readers render fine: missing XML encoding declarations, body
// id attributes, untagged languages, and images with empty sources.
package epubfix

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Fix names reported per file; these end up in the audit row's fixes_applied
// list.
const (
	FixEncodingDeclaration = "encoding-declaration"
	FixBodyID              = "body-id"
	FixLanguageTag         = "language-tag"
	FixEmptyImageSource    = "empty-image-source"
)

type Fixer struct{}

func NewFixer() *Fixer {
	return &Fixer{}
}

// Fix reads the EPUB at srcPath and writes a fixed copy to destPath
// (atomically, via a temp file). It returns the names of the fixes that
// actually changed something; an empty slice means the file was already
// clean and destPath is a plain copy.
func (f *Fixer) Fix(ctx context.Context, srcPath, destPath string) ([]string, error) {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open source file")
	}
	defer srcFile.Close()

	srcStat, err := srcFile.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat source file")
	}

	srcZip, err := zip.NewReader(srcFile, srcStat.Size())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read source EPUB as zip")
	}

	tmpPath := destPath + ".tmp"
	destFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create destination file")
	}
	defer func() {
		destFile.Close()
		os.Remove(tmpPath)
	}()

	destZip := zip.NewWriter(destFile)

	applied := map[string]bool{}

	// Write mimetype first (must be uncompressed per EPUB spec).
	mimetypeWritten := false
	for _, srcZipFile := range srcZip.File {
		if srcZipFile.Name == "mimetype" {
			content, err := readZipFile(srcZipFile)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read mimetype")
			}
			mimeWriter, err := destZip.CreateHeader(&zip.FileHeader{
				Name:   "mimetype",
				Method: zip.Store,
			})
			if err != nil {
				return nil, errors.Wrap(err, "failed to create mimetype")
			}
			if _, err := mimeWriter.Write(content); err != nil {
				return nil, errors.Wrap(err, "failed to write mimetype")
			}
			mimetypeWritten = true
			break
		}
	}

	for _, srcZipFile := range srcZip.File {
		if srcZipFile.Name == "mimetype" && mimetypeWritten {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "fix cancelled")
		default:
		}

		content, err := readZipFile(srcZipFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read file: %s", srcZipFile.Name)
		}

		switch {
		case isContentDocument(srcZipFile.Name):
			content = fixContentDocument(content, applied)
		case strings.HasSuffix(strings.ToLower(srcZipFile.Name), ".opf"):
			content = fixOPF(content, applied)
		}

		destZipFile, err := destZip.CreateHeader(&zip.FileHeader{
			Name:   srcZipFile.Name,
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create file in destination: %s", srcZipFile.Name)
		}
		if _, err := destZipFile.Write(content); err != nil {
			return nil, errors.Wrapf(err, "failed to write file to destination: %s", srcZipFile.Name)
		}
	}

	if err := destZip.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize destination")
	}
	if err := destFile.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close destination file")
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, errors.Wrap(err, "failed to finalize destination file")
	}

	fixes := make([]string, 0, len(applied))
	for _, name := range []string{FixEncodingDeclaration, FixBodyID, FixLanguageTag, FixEmptyImageSource} {
		if applied[name] {
			fixes = append(fixes, name)
		}
	}
	return fixes, nil
}

func isContentDocument(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".xhtml") ||
		strings.HasSuffix(lower, ".html") ||
		strings.HasSuffix(lower, ".htm")
}

func readZipFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
