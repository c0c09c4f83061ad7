/**
 * Voter-roll text segmenter
 *
 * Splits OCR/text output of a printed voter roll into per-column blocks,
 * each anchored by an EPIC code, and hands every block to ExtractBlock.
 *
 * Output order is page by page, then column bucket 0, 1, 2, then block
 * order inside the bucket. This is not the visual reading order.
 */

package rollparser

import (
	"strings"
)

// Options tunes the segmenter for a given roll layout.
type Options struct {
	Layout   ColumnLayout
	Defaults PageDefaults

	// NoiseMarkers drops any line containing one of these substrings
	// before column bucketing (roll titles, publication dates...).
	NoiseMarkers []string

	// DetectHeaders lets a page header override the village/area defaults
	// for that page and every following page.
	DetectHeaders bool
}

// Parser segments voter-roll text. A Parser holds no per-call state and is
// safe for concurrent use.
type Parser struct {
	opts Options
}

// New creates a parser. A zero Layout falls back to the default 3-column one.
func New(opts Options) *Parser {
	if len(opts.Layout.Thresholds) == 0 {
		opts.Layout = DefaultColumnLayout()
	}
	return &Parser{opts: opts}
}

// Parse runs the default parser over text.
func Parse(text string) *Result {
	return New(Options{}).Parse(text)
}

// Parse segments every form-feed separated page of text.
func (p *Parser) Parse(text string) *Result {
	res := newResult()
	defaults := p.opts.Defaults.withFallback()

	for _, page := range strings.Split(text, "\f") {
		res.Pages++
		if p.opts.DetectHeaders {
			defaults = p.pageDefaults(page, defaults)
		}
		p.parsePage(page, defaults, res)
	}
	return res
}

func (p *Parser) pageDefaults(page string, current PageDefaults) PageDefaults {
	if v, ok := ExtractVillageHeader(page); ok {
		current.Village = v
	}
	if a, ok := ExtractPanchayatHeader(page); ok {
		current.Area = a
	}
	return current
}

func (p *Parser) parsePage(page string, defaults PageDefaults, res *Result) {
	buckets := make([][]string, p.opts.Layout.Buckets())
	for _, line := range strings.Split(page, "\n") {
		if p.isNoise(line) {
			continue
		}
		p.opts.Layout.Assign(line, buckets)
	}

	for _, lines := range buckets {
		p.walkBucket(lines, defaults, res)
	}
}

func (p *Parser) isNoise(line string) bool {
	for _, marker := range p.opts.NoiseMarkers {
		if marker != "" && strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// walkBucket opens a block at each EPIC-bearing line and flushes the
// previous one. Lines before the first EPIC belong to no block.
func (p *Parser) walkBucket(lines []string, defaults PageDefaults, res *Result) {
	var block []string
	orphans := 0

	for _, line := range lines {
		if HasEPIC(line) {
			p.flush(block, defaults, res)
			block = []string{line}
			continue
		}
		if block == nil {
			orphans++
			continue
		}
		block = append(block, line)
	}
	p.flush(block, defaults, res)

	if orphans > 0 {
		res.OrphanLines += orphans
		res.RejectedBlocks++
	}
}

func (p *Parser) flush(block []string, defaults PageDefaults, res *Result) {
	if len(block) == 0 {
		return
	}
	voter, defaulted := ExtractBlock(strings.Join(block, "\n"), defaults)
	if voter == nil {
		res.RejectedBlocks++
		return
	}
	for _, field := range defaulted {
		res.FieldsDefaulted[field]++
	}
	res.Records = append(res.Records, *voter)
}
