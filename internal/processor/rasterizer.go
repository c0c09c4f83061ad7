package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/voteraction/rollimport-worker/internal/config"
)

// Rasterizer renders one column crop of a PDF page to a PNG file and
// returns its path.
type Rasterizer interface {
	RenderCrop(ctx context.Context, pdfPath string, page int, crop config.ColumnCrop, dpi, height int, outBase string) (string, error)
}

// PdftoppmRasterizer shells out to poppler's pdftoppm.
type PdftoppmRasterizer struct {
	binary string
}

// NewPdftoppmRasterizer checks that the pdftoppm binary can be found.
func NewPdftoppmRasterizer(binary string) (*PdftoppmRasterizer, error) {
	if binary == "" {
		binary = "pdftoppm"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm not found (%s): %w", binary, err)
	}
	return &PdftoppmRasterizer{binary: path}, nil
}

// RenderCrop writes outBase + ".png".
func (r *PdftoppmRasterizer) RenderCrop(ctx context.Context, pdfPath string, page int, crop config.ColumnCrop, dpi, height int, outBase string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, cropArgs(pdfPath, page, crop, dpi, height, outBase)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftoppm page %d crop x=%d failed: %w\nOutput: %s", page, crop.X, err, out.String())
	}

	img := outBase + ".png"
	if _, err := os.Stat(img); err != nil {
		return "", fmt.Errorf("pdftoppm produced no image for page %d: %w", page, err)
	}
	return img, nil
}

func cropArgs(pdfPath string, page int, crop config.ColumnCrop, dpi, height int, outBase string) []string {
	p := strconv.Itoa(page)
	return []string{
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", p, "-l", p,
		"-x", strconv.Itoa(crop.X),
		"-y", "0",
		"-W", strconv.Itoa(crop.Width),
		"-H", strconv.Itoa(height),
		"-singlefile",
		pdfPath,
		outBase,
	}
}
