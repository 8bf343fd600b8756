// Package extractor turns a downloaded invoice document into structured
// fields using a Vertex AI Gemini model constrained to JSON output.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/invoicehub/drive-ingest/internal/models"
)

const systemInstruction = `You extract invoice data from documents. Respond with a single JSON object
and nothing else, using exactly these keys:
  supplier_name  (string, the issuing company, or null)
  invoice_number (string, or null)
  issue_date     (string, ISO date YYYY-MM-DD, or null)
  net_amount     (number, or null)
  tax_amount     (number, or null)
  total_amount   (number, or null)
  currency       (string, ISO 4217 code such as EUR, or null)
  confidence     (string, one of "high", "medium", "low")
Use null for any value not present in the document. Never guess amounts.`

type invoicePayload struct {
	SupplierName  *string  `json:"supplier_name"`
	InvoiceNumber *string  `json:"invoice_number"`
	IssueDate     *string  `json:"issue_date"`
	NetAmount     *float64 `json:"net_amount"`
	TaxAmount     *float64 `json:"tax_amount"`
	TotalAmount   *float64 `json:"total_amount"`
	Currency      *string  `json:"currency"`
	Confidence    *string  `json:"confidence"`
}

type VertexExtractor struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

func NewVertexExtractor(ctx context.Context, projectID, region, modelName string) (*VertexExtractor, error) {
	if projectID == "" {
		return nil, fmt.Errorf("vertex project id is not configured")
	}

	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("error creating vertex client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexExtractor{client: client, model: model, modelName: modelName}, nil
}

func (e *VertexExtractor) Name() string {
	return "vertex:" + e.modelName
}

// Extract reads the document at localPath and asks the model for the invoice
// fields. An unparseable or refused response is an error; the caller decides
// whether to quarantine or retry.
func (e *VertexExtractor) Extract(ctx context.Context, localPath string) (*models.ExtractionResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("error reading document %s: %w", localPath, err)
	}

	resp, err := e.model.GenerateContent(ctx,
		genai.Blob{MIMEType: "application/pdf", Data: data},
		genai.Text("Extract the invoice fields from this document."),
	)
	if err != nil {
		return nil, fmt.Errorf("error generating extraction: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	var payload invoicePayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("model returned invalid JSON: %w", err)
	}

	result := &models.ExtractionResult{
		NetAmount:     payload.NetAmount,
		TaxAmount:     payload.TaxAmount,
		TotalAmount:   payload.TotalAmount,
		ExtractorName: e.Name(),
		Confidence:    "low",
	}
	if payload.SupplierName != nil {
		result.SupplierName = strings.TrimSpace(*payload.SupplierName)
	}
	if payload.InvoiceNumber != nil {
		result.InvoiceNumber = strings.TrimSpace(*payload.InvoiceNumber)
	}
	if payload.IssueDate != nil {
		result.IssueDate = strings.TrimSpace(*payload.IssueDate)
	}
	if payload.Currency != nil {
		result.Currency = strings.ToUpper(strings.TrimSpace(*payload.Currency))
	}
	if payload.Confidence != nil {
		switch c := strings.ToLower(strings.TrimSpace(*payload.Confidence)); c {
		case "high", "medium", "low":
			result.Confidence = c
		}
	}

	return result, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("model returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	text := strings.TrimSpace(sb.String())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if text == "" {
		return "", fmt.Errorf("model returned an empty response")
	}
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "i cannot") || strings.HasPrefix(lower, "i'm sorry") || strings.HasPrefix(lower, "i am sorry") {
		return "", fmt.Errorf("model refused the document: %s", firstLine(text))
	}

	return text, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (e *VertexExtractor) Close() error {
	return e.client.Close()
}
