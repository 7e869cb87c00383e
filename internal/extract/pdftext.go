package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxExtractChars caps how much document text reaches the provider; report
// PDFs are front-loaded and anything past this is boilerplate.
const maxExtractChars = 60_000

// PDFText extracts the plain text of a PDF document held in memory.
func PDFText(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	return text, nil
}

// DocumentText returns the text to feed the extractor for a file. PDFs go
// through text extraction; anything else is assumed to already be text.
func DocumentText(filename string, content []byte) (string, error) {
	if strings.HasSuffix(strings.ToLower(filename), ".pdf") || bytes.HasPrefix(content, []byte("%PDF")) {
		return PDFText(content)
	}
	return strings.TrimSpace(string(content)), nil
}
