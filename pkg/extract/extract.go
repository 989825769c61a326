// Package extract pulls plain text out of uploaded research files.
// Extraction is best-effort: unreadable files report absence rather than an
// error, so one bad document never sinks the set.
package extract

import (
	"archive/zip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Text extracts plain text from a .txt, .docx, or .pdf file. The bool is
// false when the file could not be read or its format is unsupported.
func Text(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return textFromPlain(path)
	case ".docx":
		return textFromDocx(path)
	case ".pdf":
		return textFromPDF(path)
	default:
		return "", false
	}
}

func textFromPlain(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	text := normalizeText(string(data))
	if text == "" {
		return "", false
	}
	return text, true
}

// textFromDocx reads word/document.xml out of the OOXML zip container and
// collects the run text, one line per paragraph.
func textFromDocx(path string) (string, bool) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", false
	}
	defer reader.Close()

	var doc io.ReadCloser
	for _, file := range reader.File {
		if file.Name == "word/document.xml" {
			doc, err = file.Open()
			if err != nil {
				return "", false
			}
			break
		}
	}
	if doc == nil {
		return "", false
	}
	defer doc.Close()

	var b strings.Builder
	decoder := xml.NewDecoder(doc)
	inText := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false
		}
		switch el := token.(type) {
		case xml.StartElement:
			if el.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(el)
			}
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", false
	}
	return text, true
}

// textFromPDF walks pages with the pure-Go reader, skipping pages it cannot
// decode instead of failing the whole document.
func textFromPDF(path string) (string, bool) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	var parts []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = normalizeText(text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.TrimSpace(text)
}
