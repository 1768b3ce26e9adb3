package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"edustorage/internal/service/blob"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultEndpoint   = "https://storage.yandexcloud.net"
	defaultRegion     = "ru-central1"
	defaultChunkSize  = 5 * 1024 * 1024 // 5MB
	defaultPresignTTL = 15 * time.Minute
)

// Client реализует blob.Backend поверх S3-совместимого хранилища
type Client struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	presignTTL time.Duration
}

// NewClient создает клиента и проверяет доступ к бакету
func NewClient(conf *Config, presignTTL time.Duration) (*Client, error) {
	c, err := newClient(conf, presignTTL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	_, err = c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(conf.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, err)
	}

	return c, nil
}

func newClient(conf *Config, presignTTL time.Duration) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 configuration: %w", err)
	}

	endpoint := conf.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	region := conf.Region
	if region == "" {
		region = defaultRegion
	}
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	// Повторы делает сервисный слой, SDK ретраит только в адаптивном режиме
	client := s3.New(s3.Options{
		BaseEndpoint:     aws.String(endpoint),
		Region:           region,
		Credentials:      creds,
		UsePathStyle:     conf.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	})

	return &Client{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     conf.Bucket,
		presignTTL: presignTTL,
	}, nil
}

func (h *Client) Provider() string {
	return "s3"
}

// PresignUpload выдает URL для прямой загрузки клиентом. Размер и
// If-None-Match входят в подпись: S3 не примет другой объём и не перезапишет
// уже загруженный объект.
func (h *Client) PresignUpload(ctx context.Context, key, contentType string, size int64) (*blob.PresignedURL, error) {
	if size < 0 {
		return nil, blob.NewError("presign_upload", key, false, fmt.Errorf("size must not be negative"))
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(size),
		IfNoneMatch:   aws.String("*"),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := h.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(h.presignTTL))
	if err != nil {
		return nil, classify("presign_upload", key, err)
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for name, values := range req.SignedHeader {
		if len(values) > 0 && !strings.EqualFold(name, "Host") {
			headers[name] = values[0]
		}
	}
	return &blob.PresignedURL{URL: req.URL, Method: req.Method, ExpiresIn: h.presignTTL, Headers: headers}, nil
}

// PresignDownload выдает URL на скачивание с исходным именем файла
func (h *Client) PresignDownload(ctx context.Context, key, fileName string) (*blob.PresignedURL, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	}
	if fileName != "" {
		input.ResponseContentDisposition = aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	}

	req, err := h.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(h.presignTTL))
	if err != nil {
		return nil, classify("presign_download", key, err)
	}

	return &blob.PresignedURL{URL: req.URL, Method: req.Method, ExpiresIn: h.presignTTL}, nil
}

// PutObject загружает объект. Непозиционируемый поток читается в буфер
func (h *Client) PutObject(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	if key == "" || body == nil {
		return blob.NewError("put", key, false, fmt.Errorf("key and body are required"))
	}

	reader, ok := body.(io.ReadSeeker)
	if !ok {
		buf := bytes.NewBuffer(make([]byte, 0, defaultChunkSize))
		if _, err := io.Copy(buf, body); err != nil {
			return blob.NewError("put", key, false, fmt.Errorf("failed to read body: %w", err))
		}
		reader = bytes.NewReader(buf.Bytes())
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
		Body:   reader,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := h.client.PutObject(ctx, input); err != nil {
		return classify("put", key, err)
	}
	return nil
}

func (h *Client) HeadObject(ctx context.Context, key string) (*blob.ObjectInfo, error) {
	out, err := h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("head", key, err)
	}

	return &blob.ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// DeleteObject удаляет объект. S3 отвечает успехом и для отсутствующего ключа
func (h *Client) DeleteObject(ctx context.Context, key string) error {
	if key == "" {
		return blob.NewError("delete", key, false, fmt.Errorf("key is required"))
	}

	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		classified := classify("delete", key, err)
		if isNotFound(classified) {
			return nil
		}
		return classified
	}
	return nil
}

func (h *Client) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := h.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(h.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(h.bucket + "/" + url.PathEscape(srcKey)),
	})
	if err != nil {
		return classify("copy", srcKey, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, blob.ErrObjectNotFound)
}

var _ blob.Backend = (*Client)(nil)
