package docwriter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteDocxProducesValidContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "manuscript.docx")
	body := "# Abstract\nThis study examines **effect sizes** in trials.\n\n## Methods\nPlain paragraph."
	if err := WriteDocx(path, "Research Manuscript", body); err != nil {
		t.Fatalf("write docx: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("empty docx written")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	// Zip local file header magic.
	if len(data) < 4 || data[0] != 'P' || data[1] != 'K' {
		t.Fatalf("output is not a zip container")
	}
}

func TestWriteDocxDeterministic(t *testing.T) {
	dir := t.TempDir()
	body := "# Title\nSame **input** twice."
	p1 := filepath.Join(dir, "a.docx")
	p2 := filepath.Join(dir, "b.docx")
	if err := WriteDocx(p1, "T", body); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := WriteDocx(p2, "T", body); err != nil {
		t.Fatalf("write second: %v", err)
	}
	d1, _ := os.ReadFile(p1)
	d2, _ := os.ReadFile(p2)
	if string(d1) != string(d2) {
		t.Fatalf("identical input must produce identical bytes")
	}
}

func TestDocumentXMLMarkup(t *testing.T) {
	xml := documentXML("", "# Heading\nText with **bold** span & <angle>.")
	if !strings.Contains(xml, `<w:sz w:val="36"/>`) {
		t.Fatalf("level-1 heading size missing: %s", xml)
	}
	if !strings.Contains(xml, `<w:rPr><w:b/></w:rPr><w:t xml:space="preserve">bold</w:t>`) {
		t.Fatalf("bold run missing: %s", xml)
	}
	if strings.Contains(xml, "**") {
		t.Fatalf("bold markers must not leak into output")
	}
	if !strings.Contains(xml, "&amp;") || !strings.Contains(xml, "&lt;angle&gt;") {
		t.Fatalf("xml escaping missing: %s", xml)
	}
}

func TestDocumentXMLUnbalancedBoldIsLiteral(t *testing.T) {
	xml := documentXML("", "tail **unclosed")
	if !strings.Contains(xml, "unclosed") {
		t.Fatalf("unclosed segment dropped: %s", xml)
	}
	if strings.Contains(xml, `<w:rPr><w:b/></w:rPr><w:t xml:space="preserve">unclosed`) {
		t.Fatalf("unbalanced marker must not bold the tail: %s", xml)
	}
}
