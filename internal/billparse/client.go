package billparse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	// DefaultModel is the hosted model used when none is configured.
	DefaultModel = "gemini-2.5-flash"
	// DefaultAPIVersion is the generative language API version the client targets.
	DefaultAPIVersion = "v1beta"

	defaultRequestTimeout = 60 * time.Second

	receiptPrompt = `Analyze this bill image. Extract vendor, category ("Food", "Shopping", etc.), totalAmount, and a YYYY-MM-DD date. Provide only a single, clean JSON object.`

	lineItemsPrompt = `Analyze this bill image. Extract ONLY the individual line items and their prices.
Ignore totals, taxes, tips, or any summary lines.
Return the data as a clean JSON array of objects, where each object has an 'item' and a 'price' key.
Example: [{"item": "Margherita Pizza", "price": 15.50}, {"item": "Coke", "price": 2.50}]
Provide only the JSON array.`
)

var (
	// ErrIncompleteExtraction indicates the model omitted a required receipt field.
	ErrIncompleteExtraction = errors.New("billparse: extracted data is missing required fields")
	// ErrEmptyImage indicates an upload without content.
	ErrEmptyImage = errors.New("billparse: image data is required")
	// ErrModelResponse indicates an unusable model reply.
	ErrModelResponse = errors.New("billparse: unusable model response")

	errMissingAPIKey = errors.New("billparse: api key is required")
)

// Image is an uploaded bill photo.
type Image struct {
	Data     []byte
	MIMEType string
}

// Receipt summarises a whole bill.
type Receipt struct {
	Vendor      string
	Category    string
	TotalAmount float64
	Date        string
}

// Config configures the hosted model client. An empty Endpoint keeps the
// SDK's default base URL.
type Config struct {
	APIKey     string
	Model      string
	Endpoint   string
	APIVersion string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client extracts structured bill data from images through the Gemini API.
type Client struct {
	models *genai.Models
	model  string
	logger *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    strings.TrimSpace(cfg.Endpoint),
			APIVersion: apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{
		models: sdk.Models,
		model:  model,
		logger: logger,
	}, nil
}

// ParseReceipt extracts vendor, category, total and date from a bill image.
func (c *Client) ParseReceipt(ctx context.Context, image Image) (Receipt, error) {
	text, err := c.generate(ctx, receiptPrompt, image)
	if err != nil {
		return Receipt{}, err
	}
	var extracted struct {
		Vendor      string      `json:"vendor"`
		Category    string      `json:"category"`
		TotalAmount json.Number `json:"totalAmount"`
		Date        string      `json:"date"`
	}
	decoder := json.NewDecoder(strings.NewReader(text))
	decoder.UseNumber()
	if err := decoder.Decode(&extracted); err != nil {
		c.logger.Warn("receipt response is not a json object", zap.Error(err))
		return Receipt{}, fmt.Errorf("%w: %v", ErrModelResponse, err)
	}
	amount, _ := extracted.TotalAmount.Float64()
	receipt := Receipt{
		Vendor:      strings.TrimSpace(extracted.Vendor),
		Category:    strings.TrimSpace(extracted.Category),
		TotalAmount: amount,
		Date:        strings.TrimSpace(extracted.Date),
	}
	if receipt.Vendor == "" || receipt.Category == "" || receipt.TotalAmount == 0 || receipt.Date == "" {
		return Receipt{}, ErrIncompleteExtraction
	}
	return receipt, nil
}

// ExtractLineItems lists the individual priced lines of a bill image.
func (c *Client) ExtractLineItems(ctx context.Context, image Image) ([]realtime.Item, error) {
	text, err := c.generate(ctx, lineItemsPrompt, image)
	if err != nil {
		return nil, err
	}
	var extracted []lineItem
	if err := json.Unmarshal([]byte(text), &extracted); err != nil {
		c.logger.Warn("line item response is not a json array", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrModelResponse, err)
	}
	items := make([]realtime.Item, 0, len(extracted))
	for _, line := range extracted {
		if line.Price < 0 {
			return nil, fmt.Errorf("%w: negative price for %q", ErrModelResponse, line.Item)
		}
		items = append(items, realtime.Item{Item: line.Item, Price: float64(line.Price)})
	}
	return items, nil
}

type lineItem struct {
	Item  string `json:"item"`
	Price price  `json:"price"`
}

// price accepts a JSON number or a number quoted as a string.
type price float64

func (p *price) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*p = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var quoted string
		if err := json.Unmarshal(data, &quoted); err != nil {
			return err
		}
		raw = strings.TrimSpace(quoted)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("price %s is not a number", string(data))
	}
	*p = price(value)
	return nil
}

func (c *Client) generate(ctx context.Context, prompt string, image Image) (string, error) {
	if len(image.Data) == 0 {
		return "", ErrEmptyImage
	}
	mimeType := strings.TrimSpace(image.MIMEType)
	if mimeType == "" {
		mimeType = http.DetectContentType(image.Data)
	}
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(image.Data, mimeType),
	}, genai.RoleUser)}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Warn("model request rejected",
				zap.Int("status", apiErr.Code),
				zap.String("model", c.model),
				zap.String("message", apiErr.Message))
			return "", fmt.Errorf("api error (status %d): %s", apiErr.Code, apiErr.Message)
		}
		return "", fmt.Errorf("generate content: %w", err)
	}

	cleaned := stripCodeFences(resp.Text())
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty text", ErrModelResponse)
	}
	return cleaned, nil
}

// stripCodeFences removes Markdown fences the model wraps around JSON.
func stripCodeFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}
