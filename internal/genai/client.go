package genai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/status"

	"dbmask/internal/transform"
)

// geminiClient implements the LLMClient interface using the Google Gemini API.
type geminiClient struct {
	client *genai.Client
	cfg    Config
}

// LLMClient is the advisory assistant around the masking pipeline. It
// never decides a transform on its own; its suggestions feed the mapping
// file a human reviews.
type LLMClient interface {
	// SuggestTransform proposes a masking transform for one column from
	// its name, type, and a handful of example values. The suggestion is
	// always one of the registered transform names.
	SuggestTransform(ctx context.Context, columnName, tableName, dataType string, examples []string) (string, error)

	// SuggestQualityQueries proposes SQL queries to check data quality on
	// a schema, given a "table.column (type)" per-line summary.
	SuggestQualityQueries(ctx context.Context, schemaSummary string) ([]string, error)

	// IsAPIKeyValid checks if the configured API key is functional.
	IsAPIKeyValid(ctx context.Context) error

	// Close cleans up any resources used by the client.
	Close() error
}

// Config holds configuration for the GenAI client.
type Config struct {
	APIKey string
	Model  string
}

// NewClient creates a new Gemini client.
func NewClient(ctx context.Context, cfg Config) (LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cannot create Gemini client: API key is missing")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash-latest"
		log.Printf("INFO: Gemini model not specified, defaulting to %s", cfg.Model)
	}

	return &geminiClient{
		client: client,
		cfg:    cfg,
	}, nil
}

// Close cleans up the underlying Gemini client.
func (c *geminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAPIKeyValid checks if the Gemini API key is valid by listing models.
func (c *geminiClient) IsAPIKeyValid(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("gemini client not initialized (likely missing API key)")
	}

	modelIterator := c.client.ListModels(ctx)
	_, err := modelIterator.Next() // Attempt to list one model
	if err != nil {
		if st, ok := status.FromError(err); ok {
			if st.Code() == 16 /* UNAUTHENTICATED */ || st.Code() == 7 /* PERMISSION_DENIED */ {
				return fmt.Errorf("invalid Gemini API key or insufficient permissions: %w", err)
			}
		}
		return fmt.Errorf("failed to verify Gemini API key by listing models: %w", err)
	}
	return nil
}

// SuggestTransform asks the model to pick a transform for one column.
func (c *geminiClient) SuggestTransform(ctx context.Context, columnName, tableName, dataType string, examples []string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("gemini client not initialized")
	}

	known := transform.Names()
	prompt := fmt.Sprintf(`
	You are an expert in data privacy. Choose the best anonymization transform for a database column.

	**Column Information:**
	- Column Name: %s
	- Table Name: %s
	- Data Type: %s
	- Example Values: [%s]

	**Instructions:**
	1. Decide whether this column likely contains personal or sensitive data, judging ONLY from the information above. Be conservative; if unsure, prefer "passthrough".
	2. Pick EXACTLY ONE transform from this list: %s
	3. Output ONLY the chosen transform name within <result></result> tags, e.g. <result>faker.email</result>.

	Provide your output based on the analysis:
	`, columnName, tableName, dataType, strings.Join(examples, ", "), strings.Join(known, ", "))

	model := c.client.GenerativeModel(c.cfg.Model)
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(50)
	model.SetTopP(0.9)
	model.SetTopK(40)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}

	name, err := extractTextBetweenTags(resp, "<result>", "</result>")
	if err != nil {
		return "", fmt.Errorf("could not extract suggestion for %s.%s: %w", tableName, columnName, err)
	}
	if _, lookupErr := transform.Lookup(name); lookupErr != nil {
		return "", fmt.Errorf("model suggested %q for %s.%s, which is not a known transform", name, tableName, columnName)
	}

	log.Printf("INFO: Suggested transform %s for %s.%s using model %s.", name, tableName, columnName, c.cfg.Model)
	return name, nil
}

// SuggestQualityQueries asks the model for data-quality SQL over a schema
// summary, one query per <query></query> block.
func (c *geminiClient) SuggestQualityQueries(ctx context.Context, schemaSummary string) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("gemini client not initialized")
	}
	if schemaSummary == "" {
		return nil, fmt.Errorf("schema summary is empty")
	}

	prompt := fmt.Sprintf(`
	You are a SQL analysis assistant.
	Given this schema, one "table.column (type)" per line:

	%s

	Suggest 3 useful SQL queries to check data quality, anomalies, or
	interesting business insights. Output each query inside its own
	<query></query> tags and nothing else.
	`, schemaSummary)

	model := c.client.GenerativeModel(c.cfg.Model)
	model.SetTemperature(0.5)
	model.SetMaxOutputTokens(500)
	model.SetTopP(0.9)
	model.SetTopK(40)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}

	fullText, err := getFirstTextPart(resp)
	if err != nil {
		return nil, err
	}

	var queries []string
	rest := fullText
	for {
		content, found := extractContentBetween(rest, "<query>", "</query>")
		if !found {
			break
		}
		queries = append(queries, content)
		idx := strings.Index(rest, "</query>")
		rest = rest[idx+len("</query>"):]
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries found in model response")
	}
	return queries, nil
}

// getFirstTextPart extracts the first text part from a Gemini response.
func getFirstTextPart(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		safetyRatings := "none"
		if resp != nil && len(resp.Candidates) > 0 {
			finishReason = resp.Candidates[0].FinishReason.String()
			if resp.Candidates[0].SafetyRatings != nil {
				safetyRatings = fmt.Sprintf("%v", resp.Candidates[0].SafetyRatings)
			}
		}
		return "", fmt.Errorf("empty or incomplete response from Gemini API. FinishReason: %s, SafetyRatings: %s", finishReason, safetyRatings)
	}
	part := resp.Candidates[0].Content.Parts[0]
	text, ok := part.(genai.Text)
	if !ok {
		return "", fmt.Errorf("unexpected response part type: %T", part)
	}
	return string(text), nil
}

// extractTextBetweenTags extracts text between the first occurrence of startTag and endTag.
func extractTextBetweenTags(resp *genai.GenerateContentResponse, startTag, endTag string) (string, error) {
	fullText, err := getFirstTextPart(resp)
	if err != nil {
		return "", fmt.Errorf("failed to get text part: %w", err)
	}

	content, found := extractContentBetween(fullText, startTag, endTag)
	if !found {
		return "", fmt.Errorf("tags '%s' and '%s' not found in response", startTag, endTag)
	}
	return content, nil
}

// extractContentBetween extracts content between start and end tags from a string.
func extractContentBetween(text, startTag, endTag string) (string, bool) {
	startIndex := strings.Index(text, startTag)
	if startIndex == -1 {
		return "", false
	}
	startIndex += len(startTag)
	endIndex := strings.Index(text[startIndex:], endTag)
	if endIndex == -1 {
		return "", false
	}
	return strings.TrimSpace(text[startIndex : startIndex+endIndex]), true
}
