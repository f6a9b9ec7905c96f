// Package document inspects uploaded PDFs before they are sent for extraction.
package document

import (
	"bytes"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"poflow/internal/services"
)

// Inspector reads PDF structure with pdfcpu.
type Inspector struct {
	conf     *model.Configuration
	maxPages int
}

// NewInspector returns an inspector that rejects documents longer than
// maxPages. Zero disables the limit.
func NewInspector(maxPages int) *Inspector {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Inspector{conf: conf, maxPages: maxPages}
}

// PageCount returns the number of pages. Unreadable documents are validation
// errors since retrying cannot fix them.
func (i *Inspector) PageCount(content []byte) (int, error) {
	if len(content) == 0 {
		return 0, services.Wrap(services.ErrValidation, "extract", "inspect", "empty document", nil)
	}
	pages, err := api.PageCount(bytes.NewReader(content), i.conf)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "extract", "inspect", "unreadable pdf", err)
	}
	if pages == 0 {
		return 0, services.Wrap(services.ErrValidation, "extract", "inspect", "pdf has no pages", nil)
	}
	if i.maxPages > 0 && pages > i.maxPages {
		return 0, services.Wrap(services.ErrValidation, "extract", "inspect", "too many pages", nil)
	}
	return pages, nil
}
