package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const maxDownloadBytes = 20 << 20

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// Enabled reports whether enough settings are present to build an uploader.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies generated images into the bucket so the locator recorded
// in the history outlives the backend's temporary URL.
type Uploader struct {
	cfg        Config
	client     objectPutter
	httpClient *http.Client
	now        func() time.Time
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return newUploader(cfg, s3.New(options)), nil
}

func newUploader(cfg Config, client objectPutter) *Uploader {
	if cfg.Prefix == "" {
		cfg.Prefix = "generations"
	}
	return &Uploader{
		cfg:        cfg,
		client:     client,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		now:        time.Now,
	}
}

// Persist stores an image and returns its public URL. When only a source URL
// is given the image is downloaded first.
func (u *Uploader) Persist(ctx context.Context, sourceURL string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		if sourceURL == "" {
			return "", errors.New("nothing to persist")
		}
		var err error
		data, contentType, err = u.download(ctx, sourceURL, contentType)
		if err != nil {
			return "", err
		}
	}
	return u.Upload(ctx, data, contentType)
}

func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/png"
	}

	key := u.generateKey(contentType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (u *Uploader) download(ctx context.Context, sourceURL, contentType string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download image: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", fmt.Errorf("image larger than %d bytes", maxDownloadBytes)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		contentType = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	return data, contentType, nil
}

func (u *Uploader) generateKey(contentType string) string {
	ext := extensionFromContentType(contentType)
	now := u.now().UTC()
	prefix := strings.Trim(u.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
