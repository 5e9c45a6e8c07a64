package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
)

// HTTPDestination talks to a pre-authorization service over JSON:
//
//	POST   {base}/uploads/authorize          -> Authorization
//	POST   {base}/uploads/{handle}/refresh   -> Authorization
//	POST   {base}/uploads/{handle}/complete  -> {"storage_path": "..."}
//	DELETE {base}/uploads/{handle}
type HTTPDestination struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDestination(baseURL string, client *http.Client) *HTTPDestination {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDestination{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type authorizeBody struct {
	UploadID      string `json:"upload_id"`
	FileName      string `json:"file_name"`
	FileSize      int64  `json:"file_size"`
	MimeType      string `json:"mime_type"`
	PartSize      int64  `json:"part_size"`
	DestinationID string `json:"destination_id"`
	UserID        string `json:"user_id,omitempty"`
	StoragePath   string `json:"storage_path,omitempty"`
}

type completePart struct {
	PartIndex    int    `json:"part_index"`
	IntegrityTag string `json:"integrity_tag"`
}

type completeBody struct {
	UploadID string         `json:"upload_id"`
	Parts    []completePart `json:"parts"`
}

type completeResponse struct {
	StoragePath string `json:"storage_path"`
}

func toAuthorizeBody(req port.AuthorizeRequest) authorizeBody {
	return authorizeBody{
		UploadID:      req.UploadID,
		FileName:      req.FileName,
		FileSize:      req.FileSize,
		MimeType:      req.MimeType,
		PartSize:      req.PartSize,
		DestinationID: req.DestinationID,
		UserID:        req.UserID,
		StoragePath:   req.StoragePath,
	}
}

func (d *HTTPDestination) Authorize(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	var auth port.Authorization
	if err := d.call(ctx, "authorize", http.MethodPost, d.baseURL+"/uploads/authorize", req.Credential, toAuthorizeBody(req), &auth); err != nil {
		return nil, err
	}
	return validateAuthorization(&auth)
}

func (d *HTTPDestination) Refresh(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	if req.TransferHandle == "" {
		return d.Authorize(ctx, req)
	}
	endpoint := fmt.Sprintf("%s/uploads/%s/refresh", d.baseURL, url.PathEscape(req.TransferHandle))

	var auth port.Authorization
	if err := d.call(ctx, "refresh", http.MethodPost, endpoint, req.Credential, toAuthorizeBody(req), &auth); err != nil {
		return nil, err
	}
	if auth.TransferHandle == "" {
		auth.TransferHandle = req.TransferHandle
	}
	return validateAuthorization(&auth)
}

func (d *HTTPDestination) Complete(ctx context.Context, req port.FinalizeRequest) (string, error) {
	endpoint := req.FinalizeURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s/uploads/%s/complete", d.baseURL, url.PathEscape(req.TransferHandle))
	}

	body := completeBody{UploadID: req.UploadID, Parts: make([]completePart, 0, len(req.Parts))}
	for _, p := range req.Parts {
		body.Parts = append(body.Parts, completePart{PartIndex: p.PartIndex, IntegrityTag: p.IntegrityTag})
	}

	var out completeResponse
	if err := d.call(ctx, "complete", http.MethodPost, endpoint, req.Credential, body, &out); err != nil {
		return "", err
	}
	if out.StoragePath == "" {
		out.StoragePath = req.StoragePath
	}
	return out.StoragePath, nil
}

func (d *HTTPDestination) Abort(ctx context.Context, req port.FinalizeRequest) error {
	if req.TransferHandle == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s/uploads/%s", d.baseURL, url.PathEscape(req.TransferHandle))
	return d.call(ctx, "abort", http.MethodDelete, endpoint, req.Credential, nil, nil)
}

func (d *HTTPDestination) call(ctx context.Context, op, method, endpoint, credential string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &domain.TransferError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrBadRequest, err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &domain.TransferError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrBadRequest, err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &domain.TransferError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrTransient, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.TransferError{Op: op, StatusCode: resp.StatusCode, Err: classifyResponse(resp.StatusCode, string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.TransferError{Op: op, Err: fmt.Errorf("%w: decode response: %v", domain.ErrTransient, err)}
	}
	return nil
}

func validateAuthorization(auth *port.Authorization) (*port.Authorization, error) {
	if auth.TransferHandle == "" || auth.TotalParts <= 0 || len(auth.Targets) != auth.TotalParts {
		return nil, &domain.TransferError{
			Op:  "authorize",
			Err: fmt.Errorf("%w: authorization has %d targets for %d parts", domain.ErrBadRequest, len(auth.Targets), auth.TotalParts),
		}
	}
	return auth, nil
}

var _ port.Destination = (*HTTPDestination)(nil)
