// Package errcode decodes the OCI Distribution Specification's error
// response body.
package errcode

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// Code is one of the error codes defined by the distribution spec.
type Code string

// Known error codes.
const (
	CodeUnknown                  Code = "UNKNOWN"
	CodeBlobUnknown              Code = "BLOB_UNKNOWN"
	CodeBlobUploadInvalid        Code = "BLOB_UPLOAD_INVALID"
	CodeBlobUploadUnknown        Code = "BLOB_UPLOAD_UNKNOWN"
	CodeDigestInvalid            Code = "DIGEST_INVALID"
	CodeManifestBlobUnknown      Code = "MANIFEST_BLOB_UNKNOWN"
	CodeManifestInvalid          Code = "MANIFEST_INVALID"
	CodeManifestUnknown          Code = "MANIFEST_UNKNOWN"
	CodeManifestUnverified       Code = "MANIFEST_UNVERIFIED"
	CodeNameInvalid              Code = "NAME_INVALID"
	CodeNameUnknown              Code = "NAME_UNKNOWN"
	CodePaginationNumberInvalid  Code = "PAGINATION_NUMBER_INVALID"
	CodeRangeInvalid             Code = "RANGE_INVALID"
	CodeSizeInvalid              Code = "SIZE_INVALID"
	CodeTagInvalid               Code = "TAG_INVALID"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeDenied                   Code = "DENIED"
	CodeUnsupported              Code = "UNSUPPORTED"
)

// Error is one entry in a FailureResponse's errors array.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func (e Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FailureResponse is the JSON body of a distribution-spec 4xx response.
type FailureResponse struct {
	Errors     []Error `json:"errors"`
	StatusCode int     `json:"-"`
	Method     string  `json:"-"`
	URL        string  `json:"-"`
}

func (r *FailureResponse) Error() string {
	if len(r.Errors) == 0 {
		return fmt.Sprintf("%s %q: response status %d", r.Method, r.URL, r.StatusCode)
	}
	return fmt.Sprintf("%s %q: response status %d: %s", r.Method, r.URL, r.StatusCode, r.Errors[0].Error())
}

// Parse decodes resp's body into a *FailureResponse when Content-Type is
// application/json; the caller is expected to have already confirmed a
// non-2xx status. Returns a generic error describing the status when the
// body is not JSON or fails to decode.
func Parse(resp *http.Response) error {
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)
	if mediaType != "application/json" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return fmt.Errorf("%s %q: response status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode, string(body))
	}

	var fr FailureResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return fmt.Errorf("%s %q: response status %d: decoding error body: %w", resp.Request.Method, resp.Request.URL, resp.StatusCode, err)
	}
	fr.StatusCode = resp.StatusCode
	fr.Method = resp.Request.Method
	if resp.Request.URL != nil {
		fr.URL = resp.Request.URL.String()
	}
	return &fr
}
