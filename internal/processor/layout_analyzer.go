/**
 * Layout Analyzer for scanned voter rolls
 *
 * Rebuilds plain text from Tesseract word boxes so that each word keeps its
 * horizontal position as a character offset. The roll parser routes
 * fragments into columns by offset, so the rebuilt lines must preserve:
 * - one space between words of the same phrase
 * - two or more spaces between phrases that sit apart on the page
 * - a character column proportional to the word's X coordinate
 */

package processor

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/voteraction/rollimport-worker/internal/logging"
)

// DefaultLineWidth is the number of character columns a full page width is
// mapped onto. With the default column thresholds (40, 90) this puts the
// three printed columns of a roll page in three different buckets.
const DefaultLineWidth = 135

// LayoutAnalyzer turns OCR word boxes into offset-preserving text.
type LayoutAnalyzer struct {
	lineWidth int
	logger    *logging.Logger
}

// LayoutResult represents the result of layout analysis
type LayoutResult struct {
	Confidence float64
	Lines      []TextLine
	Text       string
}

// TextLine is one visual line of words, left to right.
type TextLine struct {
	PageNumber int
	Y          int
	Words      []OCRWord
	Text       string
}

// NewLayoutAnalyzer creates a new layout analyzer. lineWidth <= 0 uses
// DefaultLineWidth.
func NewLayoutAnalyzer(lineWidth int) *LayoutAnalyzer {
	if lineWidth <= 0 {
		lineWidth = DefaultLineWidth
	}
	return &LayoutAnalyzer{
		lineWidth: lineWidth,
		logger:    logging.NewLogger("LayoutAnalyzer"),
	}
}

// Analyze rebuilds every OCR page. Pages are joined with a form feed. A page
// without word boxes falls back to its raw OCR text.
func (l *LayoutAnalyzer) Analyze(ctx context.Context, ocrResult *OCRResult) (*LayoutResult, error) {
	result := &LayoutResult{Confidence: ocrResult.Confidence}
	pages := make([]string, 0, len(ocrResult.Pages))

	for _, page := range ocrResult.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(page.Words) == 0 {
			pages = append(pages, page.Text)
			continue
		}

		lines := l.groupLines(page)
		width := pageWidth(page)
		rendered := make([]string, 0, len(lines))
		for i := range lines {
			lines[i].Text = l.renderLine(lines[i].Words, width)
			rendered = append(rendered, lines[i].Text)
		}
		result.Lines = append(result.Lines, lines...)
		pages = append(pages, strings.Join(rendered, "\n"))
	}

	result.Text = strings.Join(pages, "\f")

	l.logger.Debug("Layout rebuilt",
		"pages", len(ocrResult.Pages),
		"lines", len(result.Lines),
		"line_width", l.lineWidth)

	return result, nil
}

// groupLines clusters words whose vertical centres lie within half the
// median word height of the line's first word.
func (l *LayoutAnalyzer) groupLines(page OCRPage) []TextLine {
	words := make([]OCRWord, len(page.Words))
	copy(words, page.Words)
	sort.SliceStable(words, func(i, j int) bool {
		ci, cj := words[i].Box.CenterY(), words[j].Box.CenterY()
		if ci != cj {
			return ci < cj
		}
		return words[i].Box.X < words[j].Box.X
	})

	tolerance := medianHeight(words) / 2
	if tolerance < 1 {
		tolerance = 1
	}

	var lines []TextLine
	anchor := 0
	for _, w := range words {
		cy := w.Box.CenterY()
		if len(lines) == 0 || cy-anchor > tolerance {
			lines = append(lines, TextLine{PageNumber: page.PageNumber, Y: w.Box.Y})
			anchor = cy
		}
		cur := &lines[len(lines)-1]
		cur.Words = append(cur.Words, w)
	}

	for i := range lines {
		ws := lines[i].Words
		sort.SliceStable(ws, func(a, b int) bool {
			return ws[a].Box.X < ws[b].Box.X
		})
	}
	return lines
}

// renderLine places each word at the character column matching its X
// coordinate. Words closer than one word height to the previous word are
// joined with a single space; others are padded to their column with at
// least two spaces.
func (l *LayoutAnalyzer) renderLine(words []OCRWord, width int) string {
	if len(words) == 0 {
		return ""
	}
	charWidth := float64(width) / float64(l.lineWidth)
	if charWidth <= 0 {
		charWidth = 1
	}

	var sb strings.Builder
	pos := 0
	prevRight := 0
	for i, w := range words {
		box := w.Box
		col := int(float64(box.X) / charWidth)

		switch {
		case i == 0:
			sb.WriteString(strings.Repeat(" ", col))
			pos = col
		case box.X-prevRight < box.Height:
			sb.WriteByte(' ')
			pos++
		default:
			pad := col - pos
			if pad < 2 {
				pad = 2
			}
			sb.WriteString(strings.Repeat(" ", pad))
			pos += pad
		}

		sb.WriteString(w.Text)
		pos += utf8.RuneCountInString(w.Text)
		prevRight = box.Right()
	}
	return sb.String()
}

// pageWidth is the image width when known, else the right edge of the
// rightmost word.
func pageWidth(page OCRPage) int {
	if page.Width > 0 {
		return page.Width
	}
	right := 0
	for _, w := range page.Words {
		if r := w.Box.Right(); r > right {
			right = r
		}
	}
	return right
}

func medianHeight(words []OCRWord) int {
	if len(words) == 0 {
		return 0
	}
	heights := make([]int, len(words))
	for i, w := range words {
		heights[i] = w.Box.Height
	}
	sort.Ints(heights)
	return heights[len(heights)/2]
}
