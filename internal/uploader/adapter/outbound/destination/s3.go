package destination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 multipart limits.
const (
	s3MinPartSize = 5 * 1024 * 1024
	s3MaxParts    = 10000
)

// MultipartAPI is the subset of the S3 client used to manage multipart uploads.
type MultipartAPI interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// PartPresigner signs UploadPart requests.
type PartPresigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	_ MultipartAPI  = (*s3.Client)(nil)
	_ PartPresigner = (*s3.PresignClient)(nil)
)

// S3Destination pre-authorizes uploads directly against an S3-compatible bucket:
// the transfer handle is the multipart UploadId and every part target is a
// presigned UploadPart URL.
type S3Destination struct {
	api       MultipartAPI
	presigner PartPresigner
	bucket    string
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewS3Client builds an S3 client from the default AWS credential chain with
// optional endpoint and path-style overrides for S3-compatible providers.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewS3Destination wires a destination to a client. A nil presigner is derived
// from client when it is a *s3.Client.
func NewS3Destination(api MultipartAPI, presigner PartPresigner, cfg config.S3Config) (*S3Destination, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if presigner == nil {
		client, ok := api.(*s3.Client)
		if !ok {
			return nil, errors.New("S3 presigner is required")
		}
		presigner = s3.NewPresignClient(client)
	}
	ttl := cfg.PresignTTL()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3Destination{
		api:       api,
		presigner: presigner,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// objectKey places each upload under its own id so file names never collide.
func (d *S3Destination) objectKey(req port.AuthorizeRequest) string {
	name := path.Base(strings.ReplaceAll(req.FileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	parts := []string{}
	if d.keyPrefix != "" {
		parts = append(parts, strings.Trim(d.keyPrefix, "/"))
	}
	if req.DestinationID != "" {
		parts = append(parts, req.DestinationID)
	}
	parts = append(parts, req.UploadID, name)
	return strings.Join(parts, "/")
}

// partLayout applies S3 part limits to the requested part size.
func partLayout(fileSize, requested int64) (int64, int) {
	size := requested
	if size < s3MinPartSize {
		size = s3MinPartSize
	}
	for domain.PartCount(fileSize, size) > s3MaxParts {
		size *= 2
	}
	return size, domain.PartCount(fileSize, size)
}

func (d *S3Destination) Authorize(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	key := d.objectKey(req)
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}
	if req.MimeType != "" {
		input.ContentType = aws.String(req.MimeType)
	}

	out, err := d.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, classifyS3Error("authorize", err)
	}

	logger.Infow("S3 multipart upload created", "upload_id", req.UploadID, "bucket", d.bucket, "key", key)

	req.TransferHandle = aws.ToString(out.UploadId)
	req.StoragePath = key
	return d.presign(ctx, req)
}

func (d *S3Destination) Refresh(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	if req.TransferHandle == "" || req.StoragePath == "" {
		return d.Authorize(ctx, req)
	}
	return d.presign(ctx, req)
}

func (d *S3Destination) presign(ctx context.Context, req port.AuthorizeRequest) (*port.Authorization, error) {
	partSize, total := partLayout(req.FileSize, req.PartSize)
	expires := d.now().Add(d.ttl)

	targets := make([]port.PartTarget, 0, total)
	for i := 1; i <= total; i++ {
		signed, err := d.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(req.StoragePath),
			UploadId:   aws.String(req.TransferHandle),
			PartNumber: aws.Int32(int32(i)), // #nosec G115
		}, s3.WithPresignExpires(d.ttl))
		if err != nil {
			return nil, classifyS3Error("presign", err)
		}
		targets = append(targets, port.PartTarget{
			PartIndex: i,
			URL:       signed.URL,
			Headers:   flattenHeaders(signed.SignedHeader),
		})
	}

	return &port.Authorization{
		TransferHandle: req.TransferHandle,
		StoragePath:    req.StoragePath,
		PartSize:       partSize,
		TotalParts:     total,
		Targets:        targets,
		ExpiresAt:      expires,
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if strings.EqualFold(k, "host") || len(v) == 0 {
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}

func (d *S3Destination) Complete(ctx context.Context, req port.FinalizeRequest) (string, error) {
	parts := append([]domain.PartResult(nil), req.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartIndex < parts[j].PartIndex })

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.IntegrityTag),
			PartNumber: aws.Int32(int32(p.PartIndex)), // #nosec G115
		})
	}

	_, err := d.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(req.StoragePath),
		UploadId:        aws.String(req.TransferHandle),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classifyS3Error("complete", err)
	}
	return req.StoragePath, nil
}

func (d *S3Destination) Abort(ctx context.Context, req port.FinalizeRequest) error {
	if req.TransferHandle == "" || req.StoragePath == "" {
		return nil
	}
	_, err := d.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(req.StoragePath),
		UploadId: aws.String(req.TransferHandle),
	})
	if err != nil {
		var nsu *types.NoSuchUpload
		if errors.As(err, &nsu) {
			return nil
		}
		return classifyS3Error("abort", err)
	}
	return nil
}

// classifyS3Error maps SDK errors onto the transfer error taxonomy.
func classifyS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return &domain.TransferError{Op: op, StatusCode: http.StatusNotFound, Err: fmt.Errorf("%w: %v", domain.ErrBadRequest, err)}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &domain.TransferError{Op: op, StatusCode: http.StatusForbidden, Err: fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)}
		case "ExpiredToken", "RequestExpired":
			return &domain.TransferError{Op: op, StatusCode: http.StatusForbidden, Err: fmt.Errorf("%w: %v", domain.ErrCapabilityExpired, err)}
		case "EntityTooLarge":
			return &domain.TransferError{Op: op, StatusCode: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("%w: %v", domain.ErrPayloadTooLarge, err)}
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "InvalidRequest", "InvalidArgument", "NoSuchBucket":
			return &domain.TransferError{Op: op, StatusCode: http.StatusBadRequest, Err: fmt.Errorf("%w: %v", domain.ErrBadRequest, err)}
		}
	}
	return &domain.TransferError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrTransient, err)}
}

var _ port.Destination = (*S3Destination)(nil)
