// Package avatar copies externally hosted profile pictures into the
// project's object storage.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxPictureBytes = 5 << 20

// ErrTooLarge is returned for pictures above the size limit.
var ErrTooLarge = errors.New("avatar: picture too large")

// ObjectStore is the subset of the S3 client the mirror needs.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config describes the S3-compatible bucket pictures are stored in.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base URL objects are served from. Defaults to the
	// endpoint's path-style bucket URL.
	PublicURL string
}

// Mirror downloads pictures and stores them under profiles/<uid>/.
type Mirror struct {
	store      ObjectStore
	bucket     string
	publicURL  string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Mirror backed by a minio client for cfg.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return NewWithStore(client, cfg.Bucket, publicURL, httpClient, logger), nil
}

// NewWithStore creates a Mirror over an existing object store.
func NewWithStore(store ObjectStore, bucket, publicURL string, httpClient *http.Client, logger *slog.Logger) *Mirror {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		store:      store,
		bucket:     bucket,
		publicURL:  strings.TrimRight(publicURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Mirror copies the picture at pictureURL and returns its new public URL.
func (m *Mirror) Mirror(ctx context.Context, uid, pictureURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pictureURL, nil)
	if err != nil {
		return "", fmt.Errorf("building picture request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading picture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading picture: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPictureBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading picture: %w", err)
	}
	if len(body) > maxPictureBytes {
		return "", ErrTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	object := fmt.Sprintf("profiles/%s/line_%d_%s.jpg", uid, m.now().Unix(), uuid.NewString())
	info, err := m.store.PutObject(ctx, m.bucket, object, strings.NewReader(string(body)), int64(len(body)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("storing picture: %w", err)
	}

	m.logger.Debug("mirrored profile picture", "uid", uid, "object", object, "size", info.Size)
	return m.publicURL + "/" + object, nil
}

// Ping reports whether the bucket is reachable.
func (m *Mirror) Ping(ctx context.Context) error {
	ok, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", m.bucket)
	}
	return nil
}
