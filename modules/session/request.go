package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/guarzo/civictrack/common"
	"github.com/guarzo/civictrack/common/model"
)

const (
	contentTypeJSON = "application/json"
	headerAuth      = "Authorization"
	headerCT        = "Content-Type"
)

// Request describes one call against the backend.
type Request struct {
	Method string
	// Path is relative to the client's base URL and may carry a query string.
	Path  string
	Query url.Values
	// Body is sent as JSON unless it is already []byte or an io.Reader.
	Body interface{}
	// Form is sent as multipart/form-data. Body and Form are exclusive.
	Form   *MultipartForm
	Header http.Header
	// Anonymous requests carry no credentials and a 401 is returned to the
	// caller as a RequestError. Used for login and signup.
	Anonymous bool
}

// FilePart is a file attached to a multipart form.
type FilePart struct {
	Field       string
	FileName    string
	ContentType string
	Content     io.Reader
}

// MultipartForm is a form with plain fields and optional files.
type MultipartForm struct {
	Fields map[string]string
	Files  []FilePart
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Value is the decoded JSON body, nil when the body was empty or not JSON.
	Value interface{}
}

// IsJSON reports whether the backend labelled the body as JSON.
func (r *Response) IsJSON() bool {
	return isJSON(r.Header.Get(headerCT))
}

// Decode unmarshals the body into out.
func (r *Response) Decode(out interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return model.JSONUnmarshal(r.Body, out)
}

// encodedBody is a request body read fully into memory so it can be replayed
// after a token refresh.
type encodedBody struct {
	data        []byte
	contentType string
	multipart   bool
}

func (r Request) encode() (encodedBody, error) {
	if r.Form != nil && r.Body != nil {
		return encodedBody{}, fmt.Errorf("request to %s sets both Body and Form", r.Path)
	}
	if r.Form != nil {
		return r.Form.encode()
	}

	switch b := r.Body.(type) {
	case nil:
		return encodedBody{}, nil
	case []byte:
		return encodedBody{data: b}, nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return encodedBody{}, fmt.Errorf("failed to read request body: %w", err)
		}
		return encodedBody{data: data}, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return encodedBody{}, fmt.Errorf("failed to encode request body: %w", err)
		}
		return encodedBody{data: data}, nil
	}
}

func (f *MultipartForm) encode() (encodedBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, f.Fields[k]); err != nil {
			return encodedBody{}, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	for _, file := range f.Files {
		part, err := createFilePart(w, file)
		if err != nil {
			return encodedBody{}, err
		}
		if _, err = io.Copy(part, file.Content); err != nil {
			return encodedBody{}, fmt.Errorf("failed to copy file %s: %w", file.FileName, err)
		}
	}
	if err := w.Close(); err != nil {
		return encodedBody{}, fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return encodedBody{data: buf.Bytes(), contentType: w.FormDataContentType(), multipart: true}, nil
}

func createFilePart(w *multipart.Writer, file FilePart) (io.Writer, error) {
	if file.ContentType == "" {
		part, err := w.CreateFormFile(file.Field, file.FileName)
		if err != nil {
			return nil, fmt.Errorf("failed to create file part %s: %w", file.Field, err)
		}
		return part, nil
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.FileName))
	h.Set(headerCT, file.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part %s: %w", file.Field, err)
	}
	return part, nil
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), contentTypeJSON)
}

// decodeValue parses a JSON body into a generic value. Empty bodies yield nil.
func decodeValue(data []byte) (interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// newRequestError builds the error for a non-2xx reply.
func newRequestError(status int, header http.Header, data []byte) *common.RequestError {
	ct := header.Get(headerCT)
	reqErr := &common.RequestError{
		StatusCode:  status,
		ContentType: ct,
		Raw:         data,
	}
	if isJSON(ct) {
		if v, err := decodeValue(data); err == nil {
			reqErr.Body = v
			if m, ok := v.(map[string]interface{}); ok {
				if detail, ok := m["detail"].(string); ok {
					reqErr.Detail = detail
				}
			}
			return reqErr
		}
	}
	reqErr.Body = string(common.TruncateBody(data))
	return reqErr
}

// buildURL joins baseURL and path the way the backend expects: the base may
// carry a prefix such as /api/v1 that must be kept.
func buildURL(baseURL, path string, query url.Values) (string, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	full, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if len(query) > 0 {
		q := full.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		full.RawQuery = q.Encode()
	}
	return full.String(), nil
}
