package testsupport

import (
	"context"
	"fmt"
	"sync"

	"poflow/internal/purchase"
)

// SampleExtraction returns a two-line order whose totals reconcile.
func SampleExtraction() *purchase.Extraction {
	return &purchase.Extraction{
		Fields: purchase.Fields{
			PONumber:  "PO-1001",
			Vendor:    "acme supply co",
			OrderDate: "2026-03-14",
			Currency:  "USD",
			Total:     "$1,250.00",
			Lines: []purchase.RawLine{
				{SKU: "A-1", Description: "Widget", Quantity: "10", UnitPrice: "100.00", Total: "1,000.00"},
				{SKU: "B-2", Description: "Gadget  kit", Quantity: "5", UnitPrice: "50.00", Total: "250.00"},
			},
		},
		Confidence: 0.92,
		ModelUsed:  "fake-extractor",
	}
}

// FakeExtractor returns queued errors first, then Result. With a gate set,
// each call blocks until the gate is closed or ctx ends.
type FakeExtractor struct {
	mu     sync.Mutex
	Result *purchase.Extraction
	Errors []error
	calls  int
	pages  []int
	gate   chan struct{}
}

// NewFakeExtractor returns an extractor yielding SampleExtraction.
func NewFakeExtractor(errs ...error) *FakeExtractor {
	return &FakeExtractor{Result: SampleExtraction(), Errors: errs}
}

// Extract implements pipeline.Extractor.
func (f *FakeExtractor) Extract(ctx context.Context, document []byte, _ string, opts purchase.ExtractOptions) (*purchase.Extraction, error) {
	f.mu.Lock()
	f.calls++
	f.pages = append(f.pages, opts.Pages)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(document) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if len(f.Errors) > 0 {
		err := f.Errors[0]
		f.Errors = f.Errors[1:]
		return nil, err
	}
	cp := *f.Result
	cp.Fields.Lines = append([]purchase.RawLine(nil), f.Result.Fields.Lines...)
	return &cp, nil
}

// SetGate makes later calls wait for gate to close. A nil gate clears it.
func (f *FakeExtractor) SetGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

// QueueErrors appends errors returned by the next calls.
func (f *FakeExtractor) QueueErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors = append(f.Errors, errs...)
}

// Calls returns how many times Extract ran.
func (f *FakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeSyncer records pushed aggregate ids. Queued errors are returned first.
type FakeSyncer struct {
	mu     sync.Mutex
	Errors []error
	pushed []string
}

// Push implements pipeline.Syncer.
func (f *FakeSyncer) Push(_ context.Context, aggregateID string, _ *purchase.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Errors) > 0 {
		err := f.Errors[0]
		f.Errors = f.Errors[1:]
		return err
	}
	f.pushed = append(f.pushed, aggregateID)
	return nil
}

// Pushed returns the aggregate ids pushed so far.
func (f *FakeSyncer) Pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed...)
}

// FakeArchiver keeps archived content in memory.
type FakeArchiver struct {
	mu    sync.Mutex
	Err   error
	files map[string][]byte
}

// Archive implements pipeline.Archiver.
func (f *FakeArchiver) Archive(_ context.Context, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[name] = append([]byte(nil), content...)
	return nil
}

// Archived returns the stored content for name.
func (f *FakeArchiver) Archived(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	return data, ok
}

// FakeSource serves documents from memory by URI.
type FakeSource struct {
	Docs map[string][]byte
}

// Fetch implements pipeline.DocumentSource.
func (f *FakeSource) Fetch(_ context.Context, uri string) ([]byte, error) {
	data, ok := f.Docs[uri]
	if !ok {
		return nil, fmt.Errorf("document %s not found", uri)
	}
	return data, nil
}

// Pages returns the page counts passed to each Extract call.
func (f *FakeExtractor) Pages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pages...)
}
