/**
 * Text Extractor for uploaded voter rolls
 *
 * Turns an uploaded roll file into the plain text the roll parser expects:
 * - text files are read as-is
 * - PDFs use their text layer (pdfcpu), falling back to column-crop OCR
 *   when the layer is empty or near-empty (scanned rolls)
 * - images are OCR'd and rebuilt into offset-preserving lines
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/voteraction/rollimport-worker/internal/config"
	apperrors "github.com/voteraction/rollimport-worker/internal/errors"
	"github.com/voteraction/rollimport-worker/internal/logging"
)

// File kinds recognised by the extractor
const (
	KindText  = "text"
	KindPDF   = "pdf"
	KindImage = "image"
)

const (
	// MinTextLayerChars is the number of non-space characters below which a
	// PDF text layer is treated as missing.
	MinTextLayerChars = 100

	// MaxOCRPages caps the pages OCR'd after the first one in a single job.
	MaxOCRPages = 110

	// unknownPageCount bounds OCR when the page count cannot be read.
	unknownPageCount = 50

	ocrProgressStart = 10
	ocrProgressSpan  = 30
)

// ProgressFunc receives job progress percentages while extraction runs.
type ProgressFunc func(pct int)

// ExtractRequest describes one file to extract.
type ExtractRequest struct {
	JobID     string
	Path      string
	FileName  string
	StartPage int
	EndPage   int
	Progress  ProgressFunc
}

// ExtractResult is the extracted text and where it came from.
type ExtractResult struct {
	Text       string
	Source     string
	Kind       string
	Pages      int
	Confidence float64
}

// TextExtractor extracts roll text from files
type TextExtractor struct {
	ocr        OCREngine
	rasterizer Rasterizer
	layout     *LayoutAnalyzer
	ocrProfile config.OCRProfile
	tempDir    string
	logger     *logging.Logger
}

// NewTextExtractor creates a text extractor. ocr and rasterizer may be nil,
// in which case scanned input fails with an OCR error.
func NewTextExtractor(ocr OCREngine, rasterizer Rasterizer, layout *LayoutAnalyzer, ocrProfile config.OCRProfile, tempDir string) *TextExtractor {
	if layout == nil {
		layout = NewLayoutAnalyzer(0)
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &TextExtractor{
		ocr:        ocr,
		rasterizer: rasterizer,
		layout:     layout,
		ocrProfile: ocrProfile,
		tempDir:    tempDir,
		logger:     logging.NewLogger("TextExtractor"),
	}
}

// Extract reads the file and returns its text.
func (e *TextExtractor) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewFileNotFoundError(req.JobID, req.Path)
		}
		return nil, apperrors.NewTextExtractionError(req.JobID, err)
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	f.Close()
	head = head[:n]

	name := req.FileName
	if name == "" {
		name = req.Path
	}
	kind := DetectFileKind(head, name)

	e.logger.Info("Extracting text",
		"job_id", req.JobID,
		"file", name,
		"kind", kind)

	switch kind {
	case KindText:
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return nil, apperrors.NewTextExtractionError(req.JobID, err)
		}
		return &ExtractResult{
			Text:       strings.ToValidUTF8(string(data), ""),
			Source:     SourceText,
			Kind:       kind,
			Pages:      strings.Count(string(data), "\f") + 1,
			Confidence: 1,
		}, nil
	case KindPDF:
		return e.extractPDF(ctx, req)
	case KindImage:
		return e.extractImage(ctx, req)
	default:
		return nil, apperrors.NewUnsupportedFormatError(req.JobID, filepath.Ext(name))
	}
}

func (e *TextExtractor) extractImage(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	if e.ocr == nil {
		return nil, apperrors.NewOCRFailedError(req.JobID, 1, fmt.Errorf("no OCR engine configured"))
	}
	ocrResult, err := e.ocr.RecognizeFile(ctx, req.Path)
	if err != nil {
		return nil, apperrors.NewOCRFailedError(req.JobID, 1, err)
	}
	layout, err := e.layout.Analyze(ctx, ocrResult)
	if err != nil {
		return nil, apperrors.NewOCRFailedError(req.JobID, 1, err)
	}

	e.logger.Info("Image OCR complete",
		"job_id", req.JobID,
		"engine", ocrResult.Engine,
		"confidence", ocrResult.Confidence,
		"lines", len(layout.Lines),
		"duration_ms", ocrResult.Duration.Milliseconds())

	return &ExtractResult{
		Text:       layout.Text,
		Source:     SourceImageOCR,
		Kind:       KindImage,
		Pages:      len(ocrResult.Pages),
		Confidence: ocrResult.Confidence,
	}, nil
}

func (e *TextExtractor) extractPDF(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	pages, total, err := readPDFTextLayer(req.Path, req.StartPage, req.EndPage)
	if err != nil {
		// A PDF pdfcpu cannot parse may still rasterise.
		e.logger.Warn("PDF text layer unreadable, trying OCR",
			"job_id", req.JobID,
			"error", err)
		total = unknownPageCount
	}

	text := strings.Join(pages, "\f")
	if countNonSpace(text) >= MinTextLayerChars {
		return &ExtractResult{
			Text:       text,
			Source:     SourcePDFText,
			Kind:       KindPDF,
			Pages:      len(pages),
			Confidence: 1,
		}, nil
	}

	e.logger.Info("PDF text layer too short, using column OCR",
		"job_id", req.JobID,
		"chars", countNonSpace(text),
		"pages", total)

	return e.ocrPDF(ctx, req, total)
}

// ocrPDF rasterises each configured column crop of each page and OCRs it.
// Crops of one page are joined with newlines; pages with "\n\f\n".
func (e *TextExtractor) ocrPDF(ctx context.Context, req ExtractRequest, total int) (*ExtractResult, error) {
	if e.ocr == nil || e.rasterizer == nil {
		return nil, apperrors.NewOCRFailedError(req.JobID, 0, fmt.Errorf("OCR is not configured"))
	}

	first, last := ocrPageRange(req.StartPage, req.EndPage, total)
	if last < first {
		return nil, apperrors.NewOCRFailedError(req.JobID, first, fmt.Errorf("no pages in range %d-%d", req.StartPage, req.EndPage))
	}

	workDir, err := os.MkdirTemp(e.tempDir, "roll-"+sanitizeForPath(req.JobID)+"-")
	if err != nil {
		return nil, apperrors.NewOCRFailedError(req.JobID, first, err)
	}
	defer os.RemoveAll(workDir)

	count := last - first + 1
	pageTexts := make([]string, 0, count)
	confSum, confN := 0.0, 0

	for p := first; p <= last; p++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if req.Progress != nil {
			done := p - first + 1
			req.Progress(ocrProgressStart + done*ocrProgressSpan/count)
		}

		var page strings.Builder
		for c, crop := range e.ocrProfile.Columns {
			outBase := filepath.Join(workDir, fmt.Sprintf("p%d_c%d", p, c))
			img, err := e.rasterizer.RenderCrop(ctx, req.Path, p, crop, e.ocrProfile.DPI, e.ocrProfile.PageHeight, outBase)
			if err != nil {
				return nil, apperrors.NewOCRFailedError(req.JobID, p, err)
			}
			res, err := e.ocr.RecognizeFile(ctx, img)
			if err != nil {
				return nil, apperrors.NewOCRFailedError(req.JobID, p, err)
			}
			page.WriteString(res.Text)
			page.WriteByte('\n')
			confSum += res.Confidence
			confN++
		}
		pageTexts = append(pageTexts, page.String())

		e.logger.Debug("Page OCR complete", "job_id", req.JobID, "page", p, "of", total)
	}

	confidence := 0.0
	if confN > 0 {
		confidence = confSum / float64(confN)
	}

	return &ExtractResult{
		Text:       strings.Join(pageTexts, "\n\f\n"),
		Source:     SourcePDFOCR,
		Kind:       KindPDF,
		Pages:      len(pageTexts),
		Confidence: confidence,
	}, nil
}

// ocrPageRange clamps the requested range to the document and to
// MaxOCRPages pages after the first one.
func ocrPageRange(start, end, total int) (int, int) {
	first := start
	if first < 1 {
		first = 1
	}
	last := total
	if end > 0 && end < last {
		last = end
	}
	if limit := first + MaxOCRPages; limit < last {
		last = limit
	}
	return first, last
}

// readPDFTextLayer returns the text of each page in [start, end] and the
// document page count. Zero bounds mean the first and last page.
func readPDFTextLayer(path string, start, end int) ([]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	pdfCtx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, 0, fmt.Errorf("pdfcpu read: %w", err)
	}

	first := start
	if first < 1 {
		first = 1
	}
	last := pdfCtx.PageCount
	if end > 0 && end < last {
		last = end
	}

	pages := make([]string, 0, last-first+1)
	for pageNr := first; pageNr <= last; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil || r == nil {
			pages = append(pages, "")
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, textFromContentStream(data))
	}
	return pages, pdfCtx.PageCount, nil
}

var (
	pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
	tdOperandRe = regexp.MustCompile(`(-?[\d.]+)\s+(-?[\d.]+)\s+T[dD]$`)
)

// textFromContentStream reads the show-text operators of a page content
// stream. A vertical move starts a new line; a horizontal-only move becomes
// a column gap of two spaces so the roll parser can split fragments.
func textFromContentStream(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() == 0 {
				continue
			}
			if m := tdOperandRe.FindSubmatch(line); m != nil {
				if ty, err := strconv.ParseFloat(string(m[2]), 64); err == nil && ty == 0 {
					sb.WriteString("  ")
					continue
				}
			}
			sb.WriteByte('\n')
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

// decodePDFString handles the PDF literal string escapes.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				sb.WriteByte(raw[i])
				continue
			}
			val := int(raw[i] - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// DetectFileKind classifies a file by its magic bytes, then its extension.
func DetectFileKind(head []byte, name string) string {
	switch detectMimeTypeFromMagicBytes(head) {
	case "application/pdf":
		return KindPDF
	case "image/png", "image/jpeg", "image/tiff", "image/bmp", "image/gif", "image/webp":
		return KindImage
	case "":
	default:
		return ""
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
		return KindImage
	case ".txt", ".text":
		return KindText
	}

	if textHead(head) {
		return KindText
	}
	return ""
}

// textHead reports whether head looks like UTF-8 text. A sniffed head may
// end inside a multi-byte rune, so up to one partial rune is trimmed.
func textHead(head []byte) bool {
	for i := 0; i < utf8.UTFMax && len(head) > 0; i++ {
		if utf8.Valid(head) {
			return !bytes.ContainsRune(head, 0)
		}
		head = head[:len(head)-1]
	}
	return false
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file content magic bytes
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF-
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "application/pdf"
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return "image/png"
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return "image/jpeg"
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return "image/gif"
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}

	// TIFF: little-endian or big-endian byte order mark
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return "image/tiff"
	}

	// BMP: 'B' 'M', then four reserved zero bytes after the file size
	if len(data) >= 14 && bytes.HasPrefix(data, []byte("BM")) && bytes.Equal(data[6:10], []byte{0, 0, 0, 0}) {
		return "image/bmp"
	}

	// ZIP containers are not roll formats
	if bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}) {
		return "application/zip"
	}

	return ""
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func sanitizeForPath(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '_'
	}, s)
}
