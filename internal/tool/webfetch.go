package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const webfetchDescription = `Fetches a URL and returns its content.

Usage:
- url must be http or https
- format is "markdown" (default), "text", or "html"
- HTML pages are stripped of scripts and boilerplate before conversion`

const (
	webfetchTimeout = 30 * time.Second
	webfetchMaxBody = 5 * 1024 * 1024
)

// WebFetchTool implements URL fetching.
type WebFetchTool struct {
	client *http.Client
}

// WebFetchInput represents the input for the webfetch tool.
type WebFetchInput struct {
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
}

// NewWebFetchTool creates a new webfetch tool.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: webfetchTimeout},
	}
}

func (t *WebFetchTool) ID() string          { return "webfetch" }
func (t *WebFetchTool) Description() string { return webfetchDescription }

func (t *WebFetchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch"
			},
			"format": {
				"type": "string",
				"description": "Output format: markdown (default), text, or html"
			}
		},
		"required": ["url"]
	}`)
}

func (t *WebFetchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WebFetchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return Errorf("url must be http or https"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return Errorf("invalid url: %v", err), nil
	}
	req.Header.Set("User-Agent", "agentd/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Errorf("fetch failed: %s", resp.Status), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webfetchMaxBody+1))
	if err != nil {
		return Errorf("failed to read response: %v", err), nil
	}
	if len(body) > webfetchMaxBody {
		return Errorf("response too large (exceeds 5MB limit)"), nil
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	isHTML := strings.Contains(contentType, "text/html")

	var output string
	switch params.Format {
	case "html":
		output = content
	case "text":
		if isHTML {
			output, err = extractTextFromHTML(content)
		} else {
			output = content
		}
	default: // markdown
		if isHTML {
			output, err = convertHTMLToMarkdown(content)
		} else {
			output = content
		}
	}
	if err != nil {
		return Errorf("failed to convert content: %v", err), nil
	}

	result, truncated := Truncate(output)
	return &Result{
		Content: result,
		Details: map[string]any{
			"url":         params.URL,
			"contentType": contentType,
			"status":      resp.StatusCode,
			"truncated":   truncated,
		},
	}, nil
}

// extractTextFromHTML extracts plain text, removing scripts, styles, and
// other non-content elements.
func extractTextFromHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, object, embed").Remove()
	return strings.TrimSpace(doc.Text()), nil
}

// convertHTMLToMarkdown converts HTML content to Markdown.
func convertHTMLToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EmDelimiter:      "*",
	})
	converter.Remove("script", "style", "meta", "link")
	return converter.ConvertString(html)
}
