package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// IsSuccess reports whether the status code is 2xx.
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// DecodeJSON checks the status of resp and decodes its body into out.
// A nil out discards the body. Non-2xx responses become *types.HTTPError.
// The caller still owns resp.Body.
func DecodeJSON(resp *http.Response, out any) error {
	if !IsSuccess(resp.StatusCode) {
		return ErrorFromResponse(resp)
	}

	limitedReader := io.LimitReader(resp.Body, constants.MaxAPIResponseSize)
	if out == nil {
		_, _ = io.Copy(io.Discard, limitedReader)
		return nil
	}

	if err := json.NewDecoder(limitedReader).Decode(out); err != nil {
		if err == io.EOF {
			return nil // empty body
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Drain reads and discards what is left of a response body, then closes it,
// so the underlying connection can be reused.
func Drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, constants.MaxAPIResponseSize))
	_ = resp.Body.Close()
}

// ErrorFromResponse builds a *types.HTTPError from a non-2xx response,
// summarising the body into a short human-readable message.
func ErrorFromResponse(resp *http.Response) *types.HTTPError {
	httpErr := &types.HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if httpErr.Status == "" {
		httpErr.Status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if resp.Body == nil {
		return httpErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxAPIResponseSize))
	if err != nil || len(body) == 0 {
		return httpErr
	}

	httpErr.Message = summarizeBody(resp.Header.Get(constants.HeaderContentType), body)
	return httpErr
}

// summarizeBody extracts a message from JSON error envelopes or HTML error
// pages, falling back to the raw body.
func summarizeBody(contentType string, body []byte) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var message string
	switch {
	case mediaType == constants.ContentTypeJSON || json.Valid(body):
		message = jsonErrorMessage(body)
	case mediaType == constants.ContentTypeHTML:
		message = ExtractTextFromHTML(string(body))
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	if len(message) > constants.MaxErrorMessageBytes {
		message = message[:constants.MaxErrorMessageBytes] + "..."
	}
	return message
}

// jsonErrorMessage understands {"error": "..."}, {"message": "..."},
// {"detail": "..."} and {"error": {"message": "..."}}.
func jsonErrorMessage(body []byte) string {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}

	for _, key := range []string{"error", "message", "detail"} {
		switch v := envelope[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return ""
}

// ExtractTextFromHTML extracts visible text from an HTML error page, skipping
// script and style content.
func ExtractTextFromHTML(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return fallbackTextExtraction(htmlContent)
	}

	var result strings.Builder
	extractTextNodes(doc, &result)

	return collapseWhitespace(result.String())
}

func extractTextNodes(node *html.Node, result *strings.Builder) {
	if node == nil {
		return
	}

	if node.Type == html.ElementNode {
		switch strings.ToLower(node.Data) {
		case "script", "style", "noscript", "head":
			return
		}
	}

	if node.Type == html.TextNode {
		text := strings.TrimSpace(node.Data)
		if text != "" {
			result.WriteString(text)
			result.WriteString(" ")
		}
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		extractTextNodes(child, result)
	}
}

// fallbackTextExtraction strips tags by hand when the parser gives up.
func fallbackTextExtraction(htmlContent string) string {
	content := removeHTMLTagsWithContent(htmlContent, constants.HTMLTagsToRemove)
	content = removeHTMLTags(content)
	return collapseWhitespace(content)
}

func collapseWhitespace(content string) string {
	content = strings.ReplaceAll(content, constants.WhitespaceNewline, " ")
	content = strings.ReplaceAll(content, constants.WhitespaceTab, " ")
	for strings.Contains(content, constants.WhitespaceDouble) {
		content = strings.ReplaceAll(content, constants.WhitespaceDouble, " ")
	}
	return strings.TrimSpace(content)
}

// removeHTMLTagsWithContent removes specified HTML tags along with their content.
func removeHTMLTagsWithContent(content string, tags []string) string {
	for _, tag := range tags {
		startTag := "<" + tag
		endTag := "</" + tag + ">"

		for {
			start := strings.Index(strings.ToLower(content), startTag)
			if start == -1 {
				break
			}

			tagEnd := strings.Index(content[start:], ">")
			if tagEnd == -1 {
				break
			}
			tagEnd += start + 1

			end := strings.Index(strings.ToLower(content[tagEnd:]), endTag)
			if end == -1 {
				break
			}
			end += tagEnd + len(endTag)

			content = content[:start] + content[end:]
		}
	}

	return content
}

// removeHTMLTags removes all HTML tags from content.
func removeHTMLTags(content string) string {
	inTag := false
	var result strings.Builder

	for _, char := range content {
		if char == '<' {
			inTag = true
		} else if char == '>' {
			inTag = false
		} else if !inTag {
			result.WriteRune(char)
		}
	}

	return result.String()
}
