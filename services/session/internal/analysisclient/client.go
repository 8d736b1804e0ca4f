package analysisclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"docintel/pkg/domain"
)

const (
	// DefaultBaseURL is the loopback address the analysis API listens on in development.
	DefaultBaseURL = "http://127.0.0.1:5000"
	// DefaultTimeout bounds a single remote call. Analysis of long documents is slow.
	DefaultTimeout = 120 * time.Second

	maxResponseBytes = 8 << 20
)

// TokenSource issues bearer tokens for outgoing requests.
type TokenSource interface {
	Sign(audience string) (string, error)
}

// Client calls the document analysis API over HTTP.
// It owns no session state and never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	audience   string
}

// Options configure a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Audience   string
}

// NewClient constructs an analysis API client.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = "analysis"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     opts.Tokens,
		audience:   audience,
	}
}

// SubmitDocument uploads the document and returns its analysis.
func (c *Client) SubmitDocument(ctx context.Context, doc domain.Document) (domain.AnalysisResult, error) {
	if len(doc.Payload) == 0 || strings.TrimSpace(doc.Filename) == "" {
		return domain.AnalysisResult{}, fmt.Errorf("%w: document needs a payload and a filename", ErrInvalidInput)
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(filePartHeader(doc))
	if err != nil {
		return domain.AnalysisResult{}, requestFailed(OpAnalyze, 0, "", err)
	}
	if _, err := part.Write(doc.Payload); err != nil {
		return domain.AnalysisResult{}, requestFailed(OpAnalyze, 0, "", err)
	}
	if err := writer.Close(); err != nil {
		return domain.AnalysisResult{}, requestFailed(OpAnalyze, 0, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", body)
	if err != nil {
		return domain.AnalysisResult{}, requestFailed(OpAnalyze, 0, "", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp analyzeResponse
	if err := c.do(req, OpAnalyze, &resp); err != nil {
		return domain.AnalysisResult{}, err
	}
	result, err := resp.toResult()
	if err != nil {
		return domain.AnalysisResult{}, malformed(OpAnalyze, http.StatusOK, err)
	}
	return result, nil
}

// AskQuestion asks a question about an analyzed document.
func (c *Client) AskQuestion(ctx context.Context, question, documentID string) (domain.ChatTurn, error) {
	if strings.TrimSpace(question) == "" {
		return domain.ChatTurn{}, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	if strings.TrimSpace(documentID) == "" {
		return domain.ChatTurn{}, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	data, err := json.Marshal(chatRequest{Question: question, DocumentID: documentID})
	if err != nil {
		return domain.ChatTurn{}, requestFailed(OpChat, 0, "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(data))
	if err != nil {
		return domain.ChatTurn{}, requestFailed(OpChat, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp chatResponse
	if err := c.do(req, OpChat, &resp); err != nil {
		return domain.ChatTurn{}, err
	}
	if resp.Answer == nil {
		return domain.ChatTurn{}, malformed(OpChat, http.StatusOK, errors.New("answer missing"))
	}
	return domain.ChatTurn{Role: domain.RoleAssistant, Content: *resp.Answer}, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	if c.tokens != nil {
		token, err := c.tokens.Sign(c.audience)
		if err != nil {
			return requestFailed(op, 0, "sign service token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("analysis request failed", "op", op, "err", err)
		return requestFailed(op, 0, "", err)
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(body).Decode(&errResp)
		detail := strings.TrimSpace(errResp.Error)
		if detail == "" {
			detail = resp.Status
		}
		slog.Warn("analysis request rejected", "op", op, "status", resp.StatusCode, "detail", detail)
		return requestFailed(op, resp.StatusCode, detail, nil)
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		slog.Warn("analysis response undecodable", "op", op, "status", resp.StatusCode, "err", err)
		return malformed(op, resp.StatusCode, err)
	}
	return nil
}

func filePartHeader(doc domain.Document) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename="%s"`, escapeQuotes(doc.Filename)))
	mediaType := strings.TrimSpace(doc.MediaType)
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	h.Set("Content-Type", mediaType)
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

type chatRequest struct {
	Question   string `json:"question"`
	DocumentID string `json:"document_id"`
}

type chatResponse struct {
	Answer *string `json:"answer"`
}

type analyzeResponse struct {
	DocumentID *string  `json:"document_id"`
	Summary    *string  `json:"summary"`
	KeyPoints  []string `json:"key_points"`
	Risks      []string `json:"risks"`
}

func (r analyzeResponse) toResult() (domain.AnalysisResult, error) {
	if r.DocumentID == nil || strings.TrimSpace(*r.DocumentID) == "" {
		return domain.AnalysisResult{}, errors.New("document_id missing")
	}
	if r.Summary == nil {
		return domain.AnalysisResult{}, errors.New("summary missing")
	}
	result := domain.AnalysisResult{
		DocumentID: *r.DocumentID,
		Summary:    *r.Summary,
		KeyPoints:  r.KeyPoints,
		Risks:      r.Risks,
	}
	if result.KeyPoints == nil {
		result.KeyPoints = []string{}
	}
	if result.Risks == nil {
		result.Risks = []string{}
	}
	return result, nil
}
