// Package purchase holds the purchase order business types shared by the
// stages, the collaborator adapters and the aggregate persistence layer.
package purchase

import "time"

// ExtractOptions tunes a single extraction call.
type ExtractOptions struct {
	Filename string
	MIMEType string
	Pages    int
}

// Extraction is the raw output of the extraction collaborator. Field values
// are kept as the model returned them; the normalize stage parses them.
type Extraction struct {
	Fields     Fields  `json:"fields"`
	Confidence float64 `json:"confidence"`
	ModelUsed  string  `json:"model_used"`
}

// Fields are the purchase order attributes as extracted from the document.
type Fields struct {
	PONumber  string     `json:"po_number"`
	Vendor    string     `json:"vendor"`
	OrderDate string     `json:"order_date"`
	Currency  string     `json:"currency"`
	Total     string     `json:"total"`
	Lines     []RawLine  `json:"line_items"`
	Notes     string     `json:"notes,omitempty"`
	Extra     []KeyValue `json:"extra,omitempty"`
}

// RawLine is one extracted line item.
type RawLine struct {
	SKU         string `json:"sku"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Total       string `json:"total"`
}

// KeyValue carries document fields that have no dedicated column.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Order is the normalized purchase order aggregate. Money is in minor units.
type Order struct {
	WorkflowID  string     `json:"workflow_id"`
	AggregateID string     `json:"aggregate_id,omitempty"`
	PONumber    string     `json:"po_number"`
	VendorName  string     `json:"vendor_name"`
	VendorKey   string     `json:"vendor_key,omitempty"`
	Currency    string     `json:"currency"`
	OrderDate   *time.Time `json:"order_date,omitempty"`
	TotalCents  int64      `json:"total_cents"`
	Confidence  float64    `json:"confidence"`
	ModelUsed   string     `json:"model_used"`
	Lines       []Line     `json:"lines"`
}

// Line is a normalized line item.
type Line struct {
	LineNo         int     `json:"line_no"`
	SKU            string  `json:"sku"`
	Description    string  `json:"description"`
	Quantity       float64 `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TotalCents     int64   `json:"total_cents"`
}

// LinesTotal sums line totals in minor units.
func (o *Order) LinesTotal() int64 {
	var sum int64
	for _, line := range o.Lines {
		sum += line.TotalCents
	}
	return sum
}

// AggregateResult reports the outcome of persisting an order.
type AggregateResult struct {
	AggregateID      string `json:"aggregate_id"`
	ChildRecordCount int    `json:"child_record_count"`
}
