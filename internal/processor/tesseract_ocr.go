/**
 * Tesseract OCR
 *
 * Offline OCR for scanned roll pages and rasterised column crops.
 * Defaults to Hindi + English with the single-block page segmentation mode,
 * which suits one column of voter boxes.
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
	_ "golang.org/x/image/tiff"
)

// OCREngine recognises text in an image file.
type OCREngine interface {
	RecognizeFile(ctx context.Context, path string) (*OCRResult, error)
	RecognizeBytes(ctx context.Context, data []byte) (*OCRResult, error)
}

// TesseractOCR handles OCR using Tesseract
type TesseractOCR struct {
	tessdataPrefix string
	languages      []string
	pageSegMode    gosseract.PageSegMode
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TessdataPrefix string
	Languages      []string
	PageSegMode    int
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	if cfg == nil {
		cfg = &TesseractConfig{}
	}

	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"hin", "eng"}
	}

	psm := gosseract.PSM_SINGLE_BLOCK
	if cfg.PageSegMode > 0 {
		if cfg.PageSegMode > int(gosseract.PSM_RAW_LINE) {
			return nil, fmt.Errorf("invalid page segmentation mode %d", cfg.PageSegMode)
		}
		psm = gosseract.PageSegMode(cfg.PageSegMode)
	}

	return &TesseractOCR{
		tessdataPrefix: cfg.TessdataPrefix,
		languages:      langs,
		pageSegMode:    psm,
	}, nil
}

func (t *TesseractOCR) newClient() (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if t.tessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.tessdataPrefix); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(t.languages...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetPageSegMode(t.pageSegMode); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return client, nil
}

// RecognizeFile performs OCR on an image file.
func (t *TesseractOCR) RecognizeFile(ctx context.Context, path string) (*OCRResult, error) {
	client, err := t.newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.SetImage(path); err != nil {
		return nil, fmt.Errorf("failed to set image %s: %w", path, err)
	}

	width := 0
	if f, err := os.Open(path); err == nil {
		width = imageWidth(f)
		f.Close()
	}
	return t.recognize(ctx, client, width)
}

// RecognizeBytes performs OCR on an in-memory image.
func (t *TesseractOCR) RecognizeBytes(ctx context.Context, data []byte) (*OCRResult, error) {
	client, err := t.newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}
	return t.recognize(ctx, client, imageWidth(bytes.NewReader(data)))
}

// imageWidth reads the pixel width from the image header, or 0 when the
// format is not decodable.
func imageWidth(r io.Reader) int {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0
	}
	return cfg.Width
}

func (t *TesseractOCR) recognize(ctx context.Context, client *gosseract.Client, width int) (*OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract word boxes failed: %w", err)
	}

	words := make([]OCRWord, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		words = append(words, OCRWord{
			Text:       b.Word,
			Confidence: b.Confidence / 100,
			Box: WordBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}

	confidence := meanWordConfidence(words)

	return &OCRResult{
		Text:       text,
		Confidence: confidence,
		Engine:     "tesseract-" + strings.Join(t.languages, "+"),
		Duration:   time.Since(startTime),
		Pages: []OCRPage{
			{
				PageNumber: 1,
				Width:      width,
				Text:       text,
				Confidence: confidence,
				Words:      words,
			},
		},
	}, nil
}

// meanWordConfidence averages per-word confidence (0..1).
func meanWordConfidence(words []OCRWord) float64 {
	if len(words) == 0 {
		return 0
	}
	sum := 0.0
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}
