package destination

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/config"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMultipart struct {
	created   *s3.CreateMultipartUploadInput
	completed *s3.CompleteMultipartUploadInput
	aborted   *s3.AbortMultipartUploadInput
	createErr error
	abortErr  error
}

func (f *fakeMultipart) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = in
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1")}, nil
}

func (f *fakeMultipart) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeMultipart) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = in
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

type fakePresigner struct {
	calls int
}

func (f *fakePresigner) PresignUploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.calls++
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://bucket.s3/%s?partNumber=%d&uploadId=%s", aws.ToString(in.Key), aws.ToInt32(in.PartNumber), aws.ToString(in.UploadId)),
		Method: http.MethodPut,
		SignedHeader: http.Header{
			"Host":                 []string{"bucket.s3"},
			"X-Amz-Content-Sha256": []string{"UNSIGNED-PAYLOAD"},
		},
	}, nil
}

func newTestS3(t *testing.T) (*S3Destination, *fakeMultipart, *fakePresigner) {
	t.Helper()
	api := &fakeMultipart{}
	presigner := &fakePresigner{}
	dest, err := NewS3Destination(api, presigner, config.S3Config{Bucket: "media", KeyPrefix: "uploads/", PresignTTLSec: 900})
	require.NoError(t, err)
	dest.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return dest, api, presigner
}

func TestS3DestinationAuthorize(t *testing.T) {
	dest, api, presigner := newTestS3(t)

	auth, err := dest.Authorize(context.Background(), port.AuthorizeRequest{
		UploadID:      "42",
		FileName:      "../talks/keynote.mov",
		FileSize:      25 << 20,
		MimeType:      "video/quicktime",
		PartSize:      10 << 20,
		DestinationID: "session-7",
	})
	require.NoError(t, err)

	assert.Equal(t, "uploads/session-7/42/keynote.mov", aws.ToString(api.created.Key))
	assert.Equal(t, "video/quicktime", aws.ToString(api.created.ContentType))
	assert.Equal(t, "mpu-1", auth.TransferHandle)
	assert.Equal(t, "uploads/session-7/42/keynote.mov", auth.StoragePath)
	assert.Equal(t, 3, auth.TotalParts)
	assert.Len(t, auth.Targets, 3)
	assert.Equal(t, 3, presigner.calls)
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(15*time.Minute), auth.ExpiresAt)

	target, ok := auth.Target(3)
	require.True(t, ok)
	assert.Contains(t, target.URL, "partNumber=3")
	assert.NotContains(t, target.Headers, "Host")
	assert.Equal(t, "UNSIGNED-PAYLOAD", target.Headers["X-Amz-Content-Sha256"])
}

func TestS3DestinationRefreshReusesHandle(t *testing.T) {
	dest, api, _ := newTestS3(t)

	auth, err := dest.Refresh(context.Background(), port.AuthorizeRequest{
		FileSize:       12 << 20,
		PartSize:       5 << 20,
		TransferHandle: "mpu-9",
		StoragePath:    "uploads/x/clip.mp4",
	})
	require.NoError(t, err)
	assert.Nil(t, api.created, "refresh must not start a new multipart upload")
	assert.Equal(t, "mpu-9", auth.TransferHandle)
	assert.Equal(t, 3, auth.TotalParts)
}

func TestS3PartLayoutRespectsLimits(t *testing.T) {
	size, count := partLayout(1<<20, 1<<20)
	assert.Equal(t, int64(s3MinPartSize), size)
	assert.Equal(t, 1, count)

	size, count = partLayout(100<<30, 5<<20)
	assert.LessOrEqual(t, count, s3MaxParts)
	assert.Equal(t, domain.PartCount(100<<30, size), count)
}

func TestS3DestinationCompleteSortsParts(t *testing.T) {
	dest, api, _ := newTestS3(t)

	path, err := dest.Complete(context.Background(), port.FinalizeRequest{
		TransferHandle: "mpu-1",
		StoragePath:    "uploads/42/a.mp4",
		Parts: []domain.PartResult{
			{PartIndex: 3, IntegrityTag: `"c"`},
			{PartIndex: 1, IntegrityTag: `"a"`},
			{PartIndex: 2, IntegrityTag: `"b"`},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/42/a.mp4", path)

	parts := api.completed.MultipartUpload.Parts
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, int32(i+1), aws.ToInt32(p.PartNumber))
	}
	assert.Equal(t, `"a"`, aws.ToString(parts[0].ETag))
}

func TestS3DestinationAbortToleratesMissingUpload(t *testing.T) {
	dest, api, _ := newTestS3(t)
	api.abortErr = &types.NoSuchUpload{}

	err := dest.Abort(context.Background(), port.FinalizeRequest{TransferHandle: "mpu-1", StoragePath: "k"})
	assert.NoError(t, err)
	assert.Equal(t, "mpu-1", aws.ToString(api.aborted.UploadId))
}

func TestClassifyS3Error(t *testing.T) {
	denied := classifyS3Error("authorize", &smithy.GenericAPIError{Code: "AccessDenied"})
	assert.ErrorIs(t, denied, domain.ErrUnauthorized)

	expired := classifyS3Error("complete", &smithy.GenericAPIError{Code: "RequestExpired"})
	assert.ErrorIs(t, expired, domain.ErrCapabilityExpired)

	other := classifyS3Error("complete", fmt.Errorf("connection reset"))
	assert.ErrorIs(t, other, domain.ErrTransient)

	assert.ErrorIs(t, classifyS3Error("abort", context.Canceled), context.Canceled)
}

func TestS3DestinationRequiresBucket(t *testing.T) {
	_, err := NewS3Destination(&fakeMultipart{}, &fakePresigner{}, config.S3Config{})
	assert.Error(t, err)
}
