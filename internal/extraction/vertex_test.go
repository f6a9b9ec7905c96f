package extraction

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"poflow/internal/purchase"
	"poflow/internal/services"
)

type stubGenerator struct {
	reply string
	err   error
	parts []genai.Part
}

func (s *stubGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	s.parts = parts
	if s.err != nil {
		return nil, s.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(s.reply)}},
	}}}, nil
}

func TestExtractParsesFencedJSON(t *testing.T) {
	gen := &stubGenerator{reply: "```json\n{\"fields\":{\"po_number\":\"PO-7\",\"vendor\":\"Acme\",\"line_items\":[{\"description\":\"Bolt\",\"total\":\"2.00\"}]},\"confidence\":1.4}\n```"}
	v := NewWithGenerator(gen, "gemini-test")

	ext, err := v.Extract(context.Background(), []byte("%PDF-1.4"), "wf-1", purchase.ExtractOptions{Pages: 2})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ext.Fields.PONumber != "PO-7" || len(ext.Fields.Lines) != 1 {
		t.Fatalf("unexpected fields %+v", ext.Fields)
	}
	if ext.Confidence != 1 || ext.ModelUsed != "gemini-test" {
		t.Fatalf("unexpected confidence %v or model %q", ext.Confidence, ext.ModelUsed)
	}
	blob, ok := gen.parts[0].(genai.Blob)
	if !ok || blob.MIMEType != "application/pdf" {
		t.Fatalf("expected inline pdf blob, got %#v", gen.parts[0])
	}
}

func TestExtractRejectsRefusals(t *testing.T) {
	v := NewWithGenerator(&stubGenerator{reply: "I am unable to read this file."}, "m")
	_, err := v.Extract(context.Background(), []byte("x"), "wf-1", purchase.ExtractOptions{})
	if services.Classify(err) != services.KindValidation {
		t.Fatalf("expected validation, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"grpc quota", status.Error(codes.ResourceExhausted, "quota"), services.KindQuota},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), services.KindTransient},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), services.KindValidation},
		{"grpc denied", status.Error(codes.PermissionDenied, "no"), services.KindConfiguration},
		{"http 429", &googleapi.Error{Code: 429}, services.KindQuota},
		{"http 503", &googleapi.Error{Code: 503}, services.KindTransient},
		{"plain", errors.New("eof"), services.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.Classify(Classify(tt.err)); got != tt.want {
				t.Fatalf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}
