// Package advisor asks a language model to pick one ticker from the daily
// top-movers snapshot. The call is strictly advisory: every failure mode
// degrades to "no pick today".
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"daytrader/internal/models"
)

// Advisor is the pick-a-ticker collaborator boundary.
type Advisor interface {
	Pick(ctx context.Context, candidates []models.Mover) (*Pick, error)
}

// Pick is the structured output expected from the model.
type Pick struct {
	Ticker     string  `json:"ticker"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

const systemInstruction = `You are a conservative intraday stock picker.
From the candidate list you receive, pick exactly one ticker suitable for a
single long day-trade with a bracket exit, or decline.
Respond as JSON: {"ticker": "...", "reason": "...", "confidence": 0.0-1.0}.
If no candidate is worth trading, use an empty ticker.`

// Client talks to the Gemini REST API.
type Client struct {
	apiKey string
	url    string
	http   *http.Client
}

// NewClient reads GEMINI_API_KEY / GEMINI_MODEL from the environment.
// A missing key disables the advisor rather than failing startup.
func NewClient() *Client {
	apiKey := os.Getenv("GEMINI_API_KEY")
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if apiKey == "" {
		log.Println("WARNING: GEMINI_API_KEY not found. Advisor picks will be unavailable.")
	}
	return &Client{
		apiKey: apiKey,
		url:    fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", model),
		http:   &http.Client{Timeout: 20 * time.Second},
	}
}

// Pick sends the candidates to the model and parses its structured answer.
// An empty ticker in the answer means the model declined.
func (c *Client) Pick(ctx context.Context, candidates []models.Mover) (*Pick, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("advisor.Pick: client not configured")
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("advisor.Pick: no candidates")
	}

	candJSON, _ := json.Marshal(candidates)
	payload := map[string]any{
		"system_instruction": map[string]any{
			"parts": map[string]any{"text": systemInstruction},
		},
		"contents": []map[string]any{
			{
				"parts": []map[string]any{
					{"text": fmt.Sprintf("Today's top movers: %s", string(candJSON))},
				},
			},
		},
		"generationConfig": map[string]any{
			"response_mime_type": "application/json",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("advisor.Pick: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"?key="+c.apiKey, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("advisor.Pick: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("advisor.Pick: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("advisor.Pick: API error %d: %s", resp.StatusCode, string(b))
	}

	text, err := extractText(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("advisor.Pick: %w", err)
	}

	var pick Pick
	if err := json.Unmarshal([]byte(text), &pick); err != nil {
		return nil, fmt.Errorf("advisor.Pick: parse model output: %w (raw: %s)", err, text)
	}
	pick.Ticker = strings.ToUpper(strings.TrimSpace(pick.Ticker))
	return &pick, nil
}

// extractText pulls candidates[0].content.parts[0].text out of the Gemini
// response envelope.
func extractText(r io.Reader) (string, error) {
	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in model response")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}
