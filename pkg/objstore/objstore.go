// Package objstore uploads results to S3-compatible object storage.
package objstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Scheme is the URL scheme of object locations.
const Scheme = "s3"

// Location identifies an object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return Scheme + "://" + l.Bucket + "/" + l.Key
}

// IsURL reports whether s looks like an object URL rather than a local path.
func IsURL(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), Scheme+"://")
}

// ParseURL parses "s3://bucket/key/with/slashes".
func ParseURL(s string) (Location, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return Location{}, fmt.Errorf("%q is not an %s:// URL", s, Scheme)
	}
	loc := Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
	if loc.Bucket == "" {
		return Location{}, fmt.Errorf("%q has no bucket", s)
	}
	if loc.Key == "" || strings.HasSuffix(loc.Key, "/") {
		return Location{}, fmt.Errorf("%q has no object name", s)
	}
	return loc, nil
}

// Config holds connection settings.
type Config struct {
	Endpoint  string // host[:port], default s3.amazonaws.com
	AccessKey string // empty means AWS_* environment variables
	SecretKey string
	UseSSL    bool
	Region    string
}

// Store reads and writes objects through a MinIO client.
type Store struct {
	client *minio.Client
}

// New creates a store. It does not contact the server.
func New(cfg Config) (*Store, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{client: client}, nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", loc, err)
	}
	return true, nil
}

// Upload copies a local file to loc.
func (s *Store) Upload(ctx context.Context, loc Location, localPath string) error {
	_, err := s.client.FPutObject(ctx, loc.Bucket, loc.Key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", localPath, loc, err)
	}
	return nil
}
