package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voteraction/rollimport-worker/internal/rollparser"
)

// Profile describes the print layout of one family of voter rolls.
type Profile struct {
	Name          string         `yaml:"name"`
	Columns       ColumnsProfile `yaml:"columns"`
	NoiseMarkers  []string       `yaml:"noise_markers"`
	Defaults      PlaceDefaults  `yaml:"defaults"`
	DetectHeaders bool           `yaml:"detect_headers"`
	OCR           OCRProfile     `yaml:"ocr"`
}

type ColumnsProfile struct {
	Thresholds []int `yaml:"thresholds"`
}

type PlaceDefaults struct {
	Village string `yaml:"village"`
	Area    string `yaml:"area"`
}

// OCRProfile holds the settings used when a roll has no usable text layer.
type OCRProfile struct {
	Languages   []string     `yaml:"languages"`
	PageSegMode int          `yaml:"page_seg_mode"`
	DPI         int          `yaml:"dpi"`
	PageHeight  int          `yaml:"page_height"`
	Columns     []ColumnCrop `yaml:"columns"`
}

// ColumnCrop is one vertical strip of a rasterised page, in pixels.
type ColumnCrop struct {
	X     int `yaml:"x"`
	Width int `yaml:"width"`
}

// psmSingleBlock is tesseract's "assume a single uniform block of text".
const psmSingleBlock = 6

// DefaultProfile returns the standard three-column roll layout.
func DefaultProfile() *Profile {
	return &Profile{
		Name:    "default",
		Columns: ColumnsProfile{Thresholds: append([]int(nil), rollparser.DefaultColumnThresholds...)},
		OCR: OCRProfile{
			Languages:   []string{"hin", "eng"},
			PageSegMode: psmSingleBlock,
			DPI:         300,
			PageHeight:  3509,
			Columns: []ColumnCrop{
				{X: 0, Width: 950},
				{X: 750, Width: 950},
				{X: 1500, Width: 1000},
			},
		},
	}
}

// LoadProfile reads a YAML profile. Keys missing from the file keep the
// default profile's values.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the profile geometry.
func (p *Profile) Validate() error {
	if err := p.layout().Validate(); err != nil {
		return err
	}
	if len(p.OCR.Columns) == 0 {
		return fmt.Errorf("ocr.columns must list at least one column crop")
	}
	for i, c := range p.OCR.Columns {
		if c.X < 0 || c.Width <= 0 {
			return fmt.Errorf("ocr.columns[%d]: x must be >= 0 and width > 0", i)
		}
	}
	if p.OCR.DPI <= 0 || p.OCR.PageHeight <= 0 {
		return fmt.Errorf("ocr.dpi and ocr.page_height must be positive")
	}
	if len(p.OCR.Languages) == 0 {
		return fmt.Errorf("ocr.languages must not be empty")
	}
	return nil
}

func (p *Profile) layout() rollparser.ColumnLayout {
	return rollparser.ColumnLayout{Thresholds: p.Columns.Thresholds}
}

// ParserOptions converts the profile into segmenter options.
func (p *Profile) ParserOptions() rollparser.Options {
	return rollparser.Options{
		Layout: p.layout(),
		Defaults: rollparser.PageDefaults{
			Village: p.Defaults.Village,
			Area:    p.Defaults.Area,
		},
		NoiseMarkers:  append([]string(nil), p.NoiseMarkers...),
		DetectHeaders: p.DetectHeaders,
	}
}
