package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeDICOM = "application/dicom"
	contentTypeZip   = "application/zip"

	// maxErrorBody bounds how much of a failed response is kept in APIError.
	maxErrorBody = 1024
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	// Timeout applies to whole requests, including archive downloads.
	// Zero means no timeout.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client manages communication with the Orthanc REST API.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates a new Orthanc API client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		httpClient: httpClient,
		log:        log.Named("orthanc"),
	}
}

// System returns basic information about the archive. It doubles as a
// connectivity and credentials check.
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.doJSON(ctx, http.MethodGet, "/system", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListStudies returns the identifiers of every study on the archive.
func (c *Client) ListStudies(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.doJSON(ctx, http.MethodGet, "/studies", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetStudy returns the details of one study.
func (c *Client) GetStudy(ctx context.Context, studyID string) (*StudyDetails, error) {
	if studyID == "" {
		return nil, fmt.Errorf("study id cannot be empty")
	}
	var details StudyDetails
	if err := c.doJSON(ctx, http.MethodGet, "/studies/"+url.PathEscape(studyID), nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// FindStudies runs a study-level lookup on the archive's own index.
// The request is always expanded so that details come back in one call.
func (c *Client) FindStudies(ctx context.Context, query map[string]string) ([]StudyDetails, error) {
	req := FindRequest{
		Level:  "Study",
		Query:  query,
		Expand: true,
	}
	var studies []StudyDetails
	if err := c.doJSON(ctx, http.MethodPost, "/tools/find", req, &studies); err != nil {
		return nil, err
	}
	return studies, nil
}

// EchoModality checks that a modality is registered and answers C-ECHO.
func (c *Client) EchoModality(ctx context.Context, modality string) error {
	return c.doJSON(ctx, http.MethodPost, "/modalities/"+url.PathEscape(modality)+"/echo", struct{}{}, nil)
}

// QueryModality issues a C-FIND against a registered modality and returns
// the identifier of the query object created on the archive.
func (c *Client) QueryModality(ctx context.Context, modality string, req QueryRequest) (string, error) {
	var resp queryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/modalities/"+url.PathEscape(modality)+"/query", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("query on modality %s returned no query id", modality)
	}
	return resp.ID, nil
}

// QueryAnswers returns the simplified answers of a modality query in the
// order the modality produced them. Non-string values (sequences) are dropped.
func (c *Client) QueryAnswers(ctx context.Context, queryID string) ([]Answer, error) {
	var raw []map[string]any
	path := "/queries/" + url.PathEscape(queryID) + "/answers?expand&simplify"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	answers := make([]Answer, 0, len(raw))
	for _, fields := range raw {
		answer := make(Answer, len(fields))
		for key, value := range fields {
			if s, ok := value.(string); ok {
				answer[key] = s
			}
		}
		answers = append(answers, answer)
	}
	return answers, nil
}

// RetrieveAnswer asks the modality to send one query answer to targetAET
// (C-MOVE). The call blocks until the transfer completes.
func (c *Client) RetrieveAnswer(ctx context.Context, queryID string, index int, targetAET string) error {
	path := fmt.Sprintf("/queries/%s/answers/%d/retrieve", url.PathEscape(queryID), index)
	return c.doJSON(ctx, http.MethodPost, path, retrieveRequest{TargetAet: targetAET, Synchronous: true}, nil)
}

// StoreToModality sends a study from the archive to a registered modality
// (C-STORE).
func (c *Client) StoreToModality(ctx context.Context, modality, studyID string) error {
	path := "/modalities/" + url.PathEscape(modality) + "/store"
	return c.doJSON(ctx, http.MethodPost, path, storeRequest{Resources: []string{studyID}, Synchronous: true}, nil)
}

// UploadInstance stores a DICOM file, or a zip archive of DICOM files, on
// the archive. Zip archives are expanded server-side and yield one result
// per contained instance.
func (c *Client) UploadInstance(ctx context.Context, body io.Reader, zipped bool) ([]UploadResult, error) {
	contentType := contentTypeDICOM
	if zipped {
		contentType = contentTypeZip
	}

	resp, err := c.do(ctx, http.MethodPost, "/instances", body, contentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var results []UploadResult
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("failed to decode upload response: %w", err)
		}
		return results, nil
	}

	var result UploadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return []UploadResult{result}, nil
}

// DownloadStudyArchive streams the zip archive of a study into w and
// returns the number of bytes written.
func (c *Client) DownloadStudyArchive(ctx context.Context, studyID string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/studies/"+url.PathEscape(studyID)+"/archive", nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read archive of study %s: %w", studyID, err)
	}
	return n, nil
}

// AnonymizeStudy creates an anonymized copy of a study and returns the
// identifier of the copy. The original study is left untouched.
func (c *Client) AnonymizeStudy(ctx context.Context, studyID string, req AnonymizeRequest) (*AnonymizeResponse, error) {
	var resp AnonymizeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/studies/"+url.PathEscape(studyID)+"/anonymize", req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("anonymization of study %s returned no id", studyID)
	}
	return &resp, nil
}

// DeleteStudy removes a study from the archive.
func (c *Client) DeleteStudy(ctx context.Context, studyID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/studies/"+url.PathEscape(studyID), nil, nil)
}

// doJSON sends in (if non-nil) as a JSON body and decodes the response into
// out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
		contentType = contentTypeJSON
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
	}
	return nil
}

// do executes a request and returns the response when its status is 2xx.
// The caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Files are sent with a length rather than chunked.
	if f, ok := body.(interface{ Stat() (os.FileInfo, error) }); ok {
		if info, err := f.Stat(); err == nil {
			req.ContentLength = info.Size()
		}
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}

	c.log.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(bodyBytes)),
		}
	}
	return resp, nil
}
