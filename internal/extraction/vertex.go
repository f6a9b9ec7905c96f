// Package extraction turns purchase order documents into structured fields
// with a Gemini model on Vertex AI.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"poflow/internal/config"
	"poflow/internal/purchase"
	"poflow/internal/services"
)

const systemPrompt = "You are a purchase order parser. Read the attached document and return its header fields and every line item as a single JSON object. Copy values exactly as printed; do not compute or reformat amounts."

const userPrompt = `Return JSON with this shape and nothing else:
{
  "fields": {
    "po_number": "", "vendor": "", "order_date": "", "currency": "", "total": "",
    "line_items": [{"sku": "", "description": "", "quantity": "", "unit_price": "", "total": ""}],
    "notes": ""
  },
  "confidence": 0.0
}
confidence is your estimate between 0 and 1 that every field and line was read correctly.
If the document is not a purchase order, return an empty line_items array and confidence 0.`

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot provide",
	"as a large language model",
}

// Generator is the slice of *genai.GenerativeModel the extractor calls.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Vertex extracts purchase orders with a Gemini model.
type Vertex struct {
	model     Generator
	modelName string
	client    *genai.Client
}

// NewVertex connects to Vertex AI with the configured project, region and model.
func NewVertex(ctx context.Context, cfg config.Extraction) (*Vertex, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, services.Wrap(services.ErrConfiguration, "extract", "connect", "extraction project_id and region are required", nil)
	}
	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(float32(cfg.Temperature)),
	}
	return &Vertex{model: model, modelName: cfg.Model, client: client}, nil
}

// NewWithGenerator wraps an existing generator.
func NewWithGenerator(gen Generator, modelName string) *Vertex {
	return &Vertex{model: gen, modelName: modelName}
}

// Close releases the Vertex client.
func (v *Vertex) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

// Extract sends the document inline and parses the JSON reply.
func (v *Vertex) Extract(ctx context.Context, document []byte, workflowID string, opts purchase.ExtractOptions) (*purchase.Extraction, error) {
	mime := opts.MIMEType
	if mime == "" {
		mime = "application/pdf"
	}
	prompt := userPrompt
	if opts.Pages > 0 {
		prompt += fmt.Sprintf("\nThe document has %d pages; line items may continue across pages.", opts.Pages)
	}
	resp, err := v.model.GenerateContent(ctx, genai.Blob{MIMEType: mime, Data: document}, genai.Text(prompt))
	if err != nil {
		return nil, Classify(err)
	}
	ext, err := parseResponse(resp)
	if err != nil {
		return nil, err
	}
	if ext.ModelUsed == "" {
		ext.ModelUsed = v.modelName
	}
	return ext, nil
}

func parseResponse(resp *genai.GenerateContentResponse) (*purchase.Extraction, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, services.Wrap(services.ErrTransient, "extract", "parse", "model returned no candidates", nil)
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	text := strings.TrimSpace(b.String())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(strings.TrimSuffix(text, "```"))
	if text == "" {
		return nil, services.Wrap(services.ErrTransient, "extract", "parse", "model returned empty text", nil)
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return nil, services.Wrap(services.ErrValidation, "extract", "parse", "model refused the document", nil)
		}
	}
	var ext purchase.Extraction
	if err := json.Unmarshal([]byte(text), &ext); err != nil {
		return nil, services.Wrap(services.ErrTransient, "extract", "parse", "model reply is not valid JSON", err)
	}
	if ext.Confidence < 0 {
		ext.Confidence = 0
	}
	if ext.Confidence > 1 {
		ext.Confidence = 1
	}
	return &ext, nil
}

// Classify marks a Vertex AI error with the retry kind it deserves.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return services.Wrap(services.ErrQuotaExceeded, "extract", "generate", "rate limited", err)
		case gerr.Code == http.StatusBadRequest:
			return services.Wrap(services.ErrValidation, "extract", "generate", "request rejected", err)
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden, gerr.Code == http.StatusNotFound:
			return services.Wrap(services.ErrConfiguration, "extract", "generate", "access denied", err)
		default:
			return services.Wrap(services.ErrTransient, "extract", "generate", "", err)
		}
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return services.Wrap(services.ErrQuotaExceeded, "extract", "generate", "quota exhausted", err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return services.Wrap(services.ErrValidation, "extract", "generate", "request rejected", err)
	case codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
		return services.Wrap(services.ErrConfiguration, "extract", "generate", "access denied", err)
	default:
		return services.Wrap(services.ErrTransient, "extract", "generate", "", err)
	}
}
