package processor

import (
	"time"
)

// Text sources recorded on an import
const (
	SourceText     = "text"
	SourcePDFText  = "pdf_text"
	SourcePDFOCR   = "pdf_ocr"
	SourceImageOCR = "image_ocr"
)

// OCRResult is what an OCR engine returns for one image or column crop.
type OCRResult struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Pages      []OCRPage     `json:"pages"`
	Engine     string        `json:"engine"`
	Duration   time.Duration `json:"duration"`
}

// OCRPage holds the words recognised on one page image. Width is the image
// width in pixels, 0 when unknown.
type OCRPage struct {
	PageNumber int       `json:"pageNumber"`
	Width      int       `json:"width"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Words      []OCRWord `json:"words"`
}

// OCRWord is a recognised word and where it sits on the page, in pixels.
type OCRWord struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        WordBox `json:"box"`
}

// WordBox is a word's pixel rectangle, origin top-left.
type WordBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Right is the X coordinate just past the box.
func (b WordBox) Right() int {
	return b.X + b.Width
}

// CenterY returns the vertical midpoint of the box.
func (b WordBox) CenterY() int {
	return b.Y + b.Height/2
}
