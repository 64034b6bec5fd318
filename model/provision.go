package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// ErrMissingModelID is returned when the artifact is absent locally and no
// remote identifier is configured.
var ErrMissingModelID = errors.New("MODEL_ID is not set and no local model artifact exists")

// Source downloads the artifact identified by id into dst.
type Source interface {
	Fetch(ctx context.Context, id string, dst *os.File) error
}

// Provisioner makes sure the classifier artifact is present at Path before
// the model is opened.
type Provisioner struct {
	Path string
	ID   string
	// Retries is the number of extra attempts after a failed download.
	Retries       int
	RetryInterval time.Duration

	Drive Source
	HTTP  Source
	S3    Source
}

// NewProvisioner builds a Provisioner with the default remote sources.
func NewProvisioner(path, id string, retries int, driveURL string) *Provisioner {
	client := resty.New().SetHeader("User-Agent", "plant-diagnosis-service")
	return &Provisioner{
		Path:          path,
		ID:            id,
		Retries:       retries,
		RetryInterval: time.Second,
		Drive:         &DriveSource{Client: client, BaseURL: driveURL},
		HTTP:          &HTTPSource{Client: client},
		S3:            &S3Source{},
	}
}

// Ensure downloads the artifact unless a file already exists at Path. An
// existing file is trusted as is.
func (p *Provisioner) Ensure(ctx context.Context) error {
	if _, err := os.Stat(p.Path); err == nil {
		log.WithField("path", p.Path).Debug("[Provision] Model artifact already present")
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", p.Path, err)
	}

	if p.ID == "" {
		return ErrMissingModelID
	}

	src, err := p.sourceFor(p.ID)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(p.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	if p.RetryInterval > 0 {
		b.InitialInterval = p.RetryInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Retries)), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		log.WithFields(log.Fields{"id": p.ID, "path": p.Path, "attempt": attempt}).Info("[Provision] Downloading model artifact")
		return p.download(ctx, src)
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to download model %s: %w", p.ID, err)
	}

	log.WithField("path", p.Path).Info("[Provision] Model artifact downloaded")
	return nil
}

func (p *Provisioner) sourceFor(id string) (Source, error) {
	var src Source
	switch {
	case strings.HasPrefix(id, "s3://"):
		src = p.S3
	case strings.HasPrefix(id, "http://"), strings.HasPrefix(id, "https://"):
		src = p.HTTP
	default:
		src = p.Drive
	}
	if src == nil {
		return nil, fmt.Errorf("no download source configured for %q", id)
	}
	return src, nil
}

// download writes into a temporary file beside Path and renames it into
// place, so a failed attempt never leaves a partial artifact behind.
func (p *Provisioner) download(ctx context.Context, src Source) error {
	tmp, err := os.CreateTemp(filepath.Dir(p.Path), ".model-*.part")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := src.Fetch(ctx, p.ID, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p.Path)
}

// DriveSource downloads a Google Drive file by its ID.
type DriveSource struct {
	Client  *resty.Client
	BaseURL string
}

func (s *DriveSource) Fetch(ctx context.Context, id string, dst *os.File) error {
	req := s.Client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"id":      id,
			"export":  "download",
			"confirm": "t",
		})
	return fetchInto(req, s.BaseURL, dst)
}

// HTTPSource downloads an artifact from a plain URL.
type HTTPSource struct {
	Client *resty.Client
}

func (s *HTTPSource) Fetch(ctx context.Context, url string, dst *os.File) error {
	return fetchInto(s.Client.R().SetContext(ctx), url, dst)
}

func fetchInto(req *resty.Request, url string, dst *os.File) error {
	resp, err := req.SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if code := resp.StatusCode(); code < 200 || code > 299 {
		err := fmt.Errorf("unexpected status %s", resp.Status())
		if code >= 400 && code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	// Drive answers with an HTML page when the file is private or the
	// confirmation step was not accepted.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header().Get("Content-Type")); mediaType == "text/html" {
		return backoff.Permanent(errors.New("received an HTML page instead of the model file, check that the file is shared publicly"))
	}

	if _, err := io.Copy(dst, body); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	return nil
}

// S3Source downloads s3://bucket/key identifiers. The AWS session is
// created on first use from the standard AWS environment and shared config.
type S3Source struct {
	Session *session.Session
}

func (s *S3Source) Fetch(ctx context.Context, id string, dst *os.File) error {
	bucket, key, err := ParseS3URI(id)
	if err != nil {
		return backoff.Permanent(err)
	}

	if s.Session == nil {
		sess, err := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create AWS session: %w", err))
		}
		s.Session = sess
	}

	downloader := s3manager.NewDownloader(s.Session)
	_, err = downloader.DownloadWithContext(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri must look like s3://bucket/key, got %q", uri)
	}
	return bucket, key, nil
}
