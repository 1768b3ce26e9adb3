package s3

import (
	"context"
	"errors"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"edustorage/internal/service/blob"
)

// classify приводит ошибку SDK к *blob.BackendError.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return blob.NewError(op, key, false, blob.ErrObjectNotFound)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return blob.NewError(op, key, true, err)
	}
	if errors.Is(err, context.Canceled) {
		return blob.NewError(op, key, false, err)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch code := re.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return blob.NewError(op, key, false, blob.ErrObjectNotFound)
		case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
			return blob.NewError(op, key, true, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return blob.NewError(op, key, false, blob.ErrObjectNotFound)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
			return blob.NewError(op, key, true, err)
		}
		return blob.NewError(op, key, false, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return blob.NewError(op, key, true, err)
	}

	return blob.NewError(op, key, false, err)
}
