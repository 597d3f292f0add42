package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/google/uuid"
)

const comparatorSystemPrompt = `You are a brand licensing assistant reviewing designs against brand licensing guidelines.
You must ensure the design respects every word, line, sentence and idea of the guideline content given to you.
You report any issues to the designer, in detail but concisely.
If a guideline page contains no reviewable guideline content, return an inconclusive decision.
Respond with ONLY a JSON object: {"decision": "approved"|"denied"|"inconclusive", "rationale": "..."}.`

// Comparator combines one guideline page's extracted content with the
// conversation's design images and produces a Review via the gateway.
type Comparator struct {
	gateway *Gateway
}

func NewComparator(gateway *Gateway) *Comparator {
	return &Comparator{gateway: gateway}
}

// ComparePage runs one page comparison and maps the verdict into a Review.
// Callers guarantee at least one design image; the orchestrator rejects
// conversations without designs before any page is compared.
func (c *Comparator) ComparePage(ctx context.Context, task *model.Task, unit model.PageContentUnit, designImages [][]byte) (*model.Review, error) {
	if len(designImages) == 0 {
		return nil, ErrPrecondition
	}

	req := CompareRequest{
		SystemPrompt: comparatorSystemPrompt,
		Prompt:       buildPagePrompt(unit, len(designImages)),
		DesignImages: designImages,
		PageImage:    unit.Image,
	}

	result, err := c.gateway.Compare(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("page %d comparison failed: %w", unit.PageNumber, err)
	}

	return &model.Review{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		PageNumber:     unit.PageNumber,
		Verdict:        result.Verdict,
		Rationale:      result.Rationale,
		CreatedAt:      time.Now(),
	}, nil
}

// buildPagePrompt lays out the request the way the model sees the images:
// design images first, then the guideline page image, then the machine-
// readable text and tables extracted from the page.
func buildPagePrompt(unit model.PageContentUnit, designCount int) string {
	text := unit.Text
	if text == "" {
		text = "None"
	}
	tables := "None"
	if len(unit.Tables) > 0 {
		tables = strings.Join(unit.Tables, "\n\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The first %d image(s) are the design artifacts under review.\n", designCount)
	if len(unit.Image) > 0 {
		b.WriteString("The last image is page ")
		fmt.Fprintf(&b, "%d of the brand guideline document.\n\n", unit.PageNumber)
	} else {
		fmt.Fprintf(&b, "No rendering is available for guideline page %d; rely on the extracted text below.\n\n", unit.PageNumber)
	}
	fmt.Fprintf(&b, "Brand Guideline Text (page %d):\n%s\n\n", unit.PageNumber, text)
	fmt.Fprintf(&b, "Brand Guideline Tables (page %d):\n%s\n\n", unit.PageNumber, tables)
	b.WriteString("Steps:\n")
	b.WriteString("1. If this page contains no brand guideline content, set decision to \"inconclusive\" and stop.\n")
	b.WriteString("2. For each part of the guideline page (text, image, tables), describe in the rationale whether the design aligns with it.\n")
	b.WriteString("3. Set decision to \"approved\" if the design respects this page, \"denied\" if it violates it.")
	return b.String()
}
