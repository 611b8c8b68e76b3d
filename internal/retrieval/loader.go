package retrieval

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Document is one user-supplied reference file with its scope note.
type Document struct {
	Filename  string
	Data      []byte
	ScopeNote string
}

// UnsupportedTypeError reports a document extension the loader cannot handle.
type UnsupportedTypeError struct {
	Filename string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("retrieval: unsupported document type %q", filepath.Ext(e.Filename))
}

// ExtractText pulls plain text out of a document based on its file extension.
// Supported: .txt/.text/.md (as-is), .pdf, .docx.
func ExtractText(doc Document) (string, error) {
	switch strings.ToLower(filepath.Ext(doc.Filename)) {
	case ".txt", ".text", ".md":
		return string(doc.Data), nil
	case ".pdf":
		return extractPDF(doc.Data)
	case ".docx":
		return extractDOCX(doc.Data)
	default:
		return "", &UnsupportedTypeError{Filename: doc.Filename}
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf library panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retrieval: pdf extraction panicked: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("retrieval: open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("retrieval: read pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("retrieval: read pdf text: %w", err)
	}
	return string(b), nil
}

// extractDOCX reads word/document.xml out of the DOCX container and collects
// its character data, one line per paragraph.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("retrieval: open docx container: %w", err)
	}

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("retrieval: open docx document part: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", fmt.Errorf("retrieval: docx has no word/document.xml")
	}
	defer docXML.Close()

	var b strings.Builder
	dec := xml.NewDecoder(docXML)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("retrieval: parse docx xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			if t.Name.Local == "p" {
				b.WriteByte('\n')
			}
		}
	}
	return b.String(), nil
}
