package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/Yazington/aprv-ai-backend/pkg/logger"
	"github.com/ledongthuc/pdf"
)

// Rasterizer renders one page of a document to raster image bytes.
// Rendering failures degrade the page, never the job.
type Rasterizer interface {
	Render(ctx context.Context, doc []byte, pageNumber int) ([]byte, error)
}

// Extractor turns a guideline document into ordered per-page content units:
// plain text, flattened table-like rows, and a rendered page image.
type Extractor struct {
	rasterizer Rasterizer
}

func NewExtractor(rasterizer Rasterizer) *Extractor {
	return &Extractor{rasterizer: rasterizer}
}

// PageCount parses the document and returns its page count. An unreadable
// document maps to ErrExtractionFatal.
func (e *Extractor) PageCount(doc []byte) (int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExtractionFatal, err)
	}
	return reader.NumPage(), nil
}

// ExtractPage produces the content unit for a single 1-based page number.
// The sequence is restartable: every call parses from the original bytes,
// so pages can be extracted concurrently and in any order.
func (e *Extractor) ExtractPage(ctx context.Context, doc []byte, pageNumber int) (model.PageContentUnit, error) {
	reader, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return model.PageContentUnit{}, fmt.Errorf("%w: %v", ErrExtractionFatal, err)
	}
	if pageNumber < 1 || pageNumber > reader.NumPage() {
		return model.PageContentUnit{}, fmt.Errorf("page %d out of range 1..%d", pageNumber, reader.NumPage())
	}

	unit := model.PageContentUnit{PageNumber: pageNumber}

	page := reader.Page(pageNumber)
	if page.V.IsNull() {
		logger.Warn(ctx, "page has no content", "page", pageNumber)
		return unit, nil
	}

	if text, err := page.GetPlainText(nil); err != nil {
		logger.Warn(ctx, "text extraction failed", "page", pageNumber, "error", err)
	} else {
		unit.Text = strings.TrimSpace(text)
	}

	if rows, err := page.GetTextByRow(); err != nil {
		logger.Warn(ctx, "row extraction failed", "page", pageNumber, "error", err)
	} else {
		unit.Tables = flattenTables(toTextRows(rows))
	}

	if e.rasterizer != nil {
		if img, err := e.rasterizer.Render(ctx, doc, pageNumber); err != nil {
			logger.Warn(ctx, "page render failed", "page", pageNumber, "error", err)
		} else {
			unit.Image = img
		}
	}

	return unit, nil
}

// cellGap is the horizontal distance (in PDF user-space units) between two
// words that splits them into separate table cells.
const cellGap = 24.0

type positionedWord struct {
	x    float64
	text string
}

type textRow []positionedWord

func toTextRows(rows pdf.Rows) []textRow {
	out := make([]textRow, 0, len(rows))
	for _, row := range rows {
		var tr textRow
		for _, word := range row.Content {
			s := strings.TrimSpace(word.S)
			if s == "" {
				continue
			}
			tr = append(tr, positionedWord{x: word.X, text: s})
		}
		if len(tr) > 0 {
			out = append(out, tr)
		}
	}
	return out
}

// flattenTables finds rows whose words cluster into two or more columns and
// flattens each run of such rows into a pipe-delimited text block. The model
// prompt receives these blocks as machine-readable context the page image
// alone may not convey (hex codes, spacing values).
func flattenTables(rows []textRow) []string {
	var tables []string
	var current []string

	flush := func() {
		// a single multi-column row is usually a heading, not a table
		if len(current) >= 2 {
			tables = append(tables, strings.Join(current, "\n"))
		}
		current = nil
	}

	for _, row := range rows {
		cells := splitCells(row)
		if len(cells) >= 2 {
			current = append(current, strings.Join(cells, " | "))
		} else {
			flush()
		}
	}
	flush()

	return tables
}

// splitCells groups a row's words into cells wherever the horizontal gap
// between consecutive words exceeds cellGap.
func splitCells(row textRow) []string {
	if len(row) == 0 {
		return nil
	}

	var cells []string
	var cell []string
	lastX := row[0].x

	for i, word := range row {
		if i > 0 && word.x-lastX > cellGap {
			cells = append(cells, strings.Join(cell, " "))
			cell = nil
		}
		cell = append(cell, word.text)
		lastX = word.x + float64(len(word.text))*4 // rough advance estimate
	}
	cells = append(cells, strings.Join(cell, " "))
	return cells
}

// ExecRunner abstracts external command execution so rendering can be
// stubbed in tests.
type ExecRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type realExecRunner struct{}

func (realExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// PopplerRasterizer renders pages with the pdftoppm tool.
type PopplerRasterizer struct {
	exec ExecRunner
}

func NewPopplerRasterizer() *PopplerRasterizer {
	return &PopplerRasterizer{exec: realExecRunner{}}
}

// NewPopplerRasterizerWithRunner is used by tests to stub command execution.
func NewPopplerRasterizerWithRunner(runner ExecRunner) *PopplerRasterizer {
	return &PopplerRasterizer{exec: runner}
}

func (r *PopplerRasterizer) Render(ctx context.Context, doc []byte, pageNumber int) ([]byte, error) {
	dir, err := os.MkdirTemp("", "guideline-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(src, doc, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write temp document: %w", err)
	}

	page := strconv.Itoa(pageNumber)
	outPrefix := filepath.Join(dir, "page")
	err = r.exec.Run(ctx, "pdftoppm", "-png", "-r", "150", "-f", page, "-l", page, "-singlefile", src, outPrefix)
	if err != nil {
		return nil, err
	}

	img, err := os.ReadFile(outPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered page: %w", err)
	}
	return img, nil
}
