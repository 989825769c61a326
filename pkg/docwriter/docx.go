// Package docwriter renders generated manuscript text into a Word document.
// It writes the minimal OOXML container directly (a zip with document.xml),
// honoring the lightweight markup convention the generator emits:
// '#'-prefixed lines become headings and **spans** become bold runs.
// Output is deterministic for identical input text.
package docwriter

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// Heading sizes in half-points, indexed by level-1. Body text is 24 (12pt).
var headingSizes = [3]int{36, 32, 28}

// WriteDocx renders the manuscript to path, creating parent directories.
func WriteDocx(path, title, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create docx: %w", err)
	}
	defer out.Close()

	w := zip.NewWriter(out)
	parts := []struct {
		name    string
		content string
	}{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", documentXML(title, body)},
	}
	for _, part := range parts {
		f, err := w.Create(part.name)
		if err != nil {
			return fmt.Errorf("add %s: %w", part.name, err)
		}
		if _, err := f.Write([]byte(part.content)); err != nil {
			return fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize docx: %w", err)
	}
	return nil
}

func documentXML(title, body string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	if strings.TrimSpace(title) != "" {
		writeHeading(&b, title, 1)
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			level := 0
			for level < len(line) && line[level] == '#' {
				level++
			}
			text := strings.TrimSpace(line[level:])
			if level > 3 {
				level = 3
			}
			writeHeading(&b, text, level)
			continue
		}
		writeParagraph(&b, line)
	}
	b.WriteString(`</w:body></w:document>`)
	return b.String()
}

func writeHeading(b *strings.Builder, text string, level int) {
	size := headingSizes[level-1]
	b.WriteString(`<w:p><w:r><w:rPr><w:b/><w:sz w:val="`)
	fmt.Fprintf(b, "%d", size)
	b.WriteString(`"/></w:rPr><w:t xml:space="preserve">`)
	b.WriteString(escapeXML(stripBoldMarkers(text)))
	b.WriteString(`</w:t></w:r></w:p>`)
}

// writeParagraph splits the line on ** markers, alternating plain and bold
// runs. An unbalanced trailing marker is treated as literal text.
func writeParagraph(b *strings.Builder, line string) {
	b.WriteString(`<w:p>`)
	segments := strings.Split(line, "**")
	balanced := len(segments)%2 == 1
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		bold := i%2 == 1 && (balanced || i < len(segments)-1)
		b.WriteString(`<w:r>`)
		if bold {
			b.WriteString(`<w:rPr><w:b/></w:rPr>`)
		}
		b.WriteString(`<w:t xml:space="preserve">`)
		b.WriteString(escapeXML(segment))
		b.WriteString(`</w:t></w:r>`)
	}
	b.WriteString(`</w:p>`)
}

func stripBoldMarkers(text string) string {
	return strings.ReplaceAll(text, "**", "")
}

func escapeXML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}
