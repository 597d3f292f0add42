package model

// PageContentUnit is the extracted content of one guideline page. It is
// produced by the content extractor, consumed by the page comparator, and
// never persisted.
type PageContentUnit struct {
	PageNumber int // 1-based, matches source pagination
	Image      []byte
	Text       string
	Tables     []string
}

// Empty reports whether extraction produced nothing usable for the page.
func (u PageContentUnit) Empty() bool {
	return len(u.Image) == 0 && u.Text == "" && len(u.Tables) == 0
}
