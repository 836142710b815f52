package export

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/snarg/courtscribe/internal/workspace"
)

// DocxContentType is the MIME type of the generated document.
const DocxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

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

const documentHead = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`

const documentTail = `<w:sectPr/></w:body></w:document>`

// WriteDOCX writes a document with one paragraph per line, atomically.
func WriteDOCX(path string, lines []string) error {
	return workspace.WriteAtomic(path, func(f *os.File) error {
		return EncodeDOCX(f, lines)
	})
}

// EncodeDOCX writes the zip package to w.
func EncodeDOCX(w io.Writer, lines []string) error {
	zw := zip.NewWriter(w)
	parts := []struct {
		name string
		body func(io.Writer) error
	}{
		{"[Content_Types].xml", literal(contentTypesXML)},
		{"_rels/.rels", literal(relsXML)},
		{"word/document.xml", func(pw io.Writer) error { return writeDocument(pw, lines) }},
	}
	for _, p := range parts {
		pw, err := zw.Create(p.name)
		if err != nil {
			return fmt.Errorf("docx part %s: %w", p.name, err)
		}
		if err := p.body(pw); err != nil {
			return fmt.Errorf("docx part %s: %w", p.name, err)
		}
	}
	return zw.Close()
}

func literal(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func writeDocument(w io.Writer, lines []string) error {
	var b strings.Builder
	b.WriteString(documentHead)
	for _, line := range lines {
		b.WriteString(`<w:p><w:r><w:t xml:space="preserve">`)
		if err := xml.EscapeText(&b, []byte(line)); err != nil {
			return err
		}
		b.WriteString(`</w:t></w:r></w:p>`)
	}
	b.WriteString(documentTail)
	_, err := io.WriteString(w, b.String())
	return err
}
