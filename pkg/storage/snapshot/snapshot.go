// Package snapshot exports the permission graph to S3-compatible object storage and
// restores it into an empty repository.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

const (
	keyPrefix      = "snapshot-"
	checksumHeader = "checksum-sha256"
	timeLayout     = "20060102T150405Z"
)

// ErrNoSnapshot is returned when the bucket holds no snapshot under the prefix
var ErrNoSnapshot = errors.New("snapshot: no snapshot found")

var tracer = otel.Tracer("github.com/platinummonkey/rolegraph/pkg/storage/snapshot")

// ObjectAPI is the subset of the S3 client the store uses
type ObjectAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures NewS3Store
type Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Store reads and writes graph snapshots as JSON objects
type Store struct {
	client ObjectAPI
	bucket string
	prefix string
	logger *observability.Logger
}

// NewS3Store builds an S3 client from opts and makes sure the bucket exists. Static
// credentials are used when both keys are set, the default AWS chain otherwise.
func NewS3Store(ctx context.Context, opts Options, logger *observability.Logger) (*Store, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	store := New(client, opts.Bucket, opts.Prefix, logger)
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// New wraps an existing client
func New(client ObjectAPI, bucket, prefix string, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// EnsureBucket creates the bucket when it does not exist yet
func (s *Store) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// KeyFor returns the object key a snapshot is written under. Keys sort by capture time.
func (s *Store) KeyFor(snap rbac.Snapshot) string {
	return fmt.Sprintf("%s%s%s-gen%010d.json", s.prefix, keyPrefix, snap.TakenAt.UTC().Format(timeLayout), snap.Generation)
}

// Export writes the snapshot and returns its key
func (s *Store) Export(ctx context.Context, snap rbac.Snapshot) (string, error) {
	key := s.KeyFor(snap)
	ctx, span := tracer.Start(ctx, "Snapshot.Export", trace.WithAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
		attribute.Int64("rbac.generation", int64(snap.Generation)),
	))
	defer span.End()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fail(span, fmt.Errorf("failed to marshal snapshot: %w", err))
	}
	sum := sha256.Sum256(data)
	span.SetAttributes(attribute.Int("content.size", len(data)))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{checksumHeader: hex.EncodeToString(sum[:])},
	})
	if err != nil {
		return "", fail(span, fmt.Errorf("failed to upload snapshot: %w", err))
	}

	s.logger.WithFields(map[string]interface{}{
		"key":         key,
		"generation":  snap.Generation,
		"roles":       len(snap.Roles),
		"permissions": len(snap.Permissions),
		"rules":       len(snap.Rules),
	}).Info("Snapshot exported")
	return key, nil
}

// Latest returns the key of the newest snapshot, or ErrNoSnapshot
func (s *Store) Latest(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "Snapshot.Latest", trace.WithAttributes(attribute.String("s3.bucket", s.bucket)))
	defer span.End()

	var latest string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fail(span, fmt.Errorf("failed to list snapshots: %w", err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".json") && key > latest {
				latest = key
			}
		}
	}

	if latest == "" {
		return "", ErrNoSnapshot
	}
	span.SetAttributes(attribute.String("s3.key", latest))
	return latest, nil
}

// Load reads a snapshot, verifying its checksum when the object carries one
func (s *Store) Load(ctx context.Context, key string) (rbac.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Snapshot.Load", trace.WithAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
	))
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return rbac.Snapshot{}, fail(span, fmt.Errorf("%w: %s", ErrNoSnapshot, key))
		}
		return rbac.Snapshot{}, fail(span, fmt.Errorf("failed to download snapshot: %w", err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return rbac.Snapshot{}, fail(span, fmt.Errorf("failed to read snapshot: %w", err))
	}

	if want, ok := out.Metadata[checksumHeader]; ok {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			return rbac.Snapshot{}, fail(span, fmt.Errorf("snapshot %s checksum mismatch: got %s, want %s", key, got, want))
		}
	}

	var snap rbac.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return rbac.Snapshot{}, fail(span, fmt.Errorf("failed to decode snapshot %s: %w", key, err))
	}
	return snap, nil
}

// RestoreLatest loads the newest snapshot into repo, which must be empty. It returns the
// restored key, or ErrNoSnapshot when there is nothing to restore.
func (s *Store) RestoreLatest(ctx context.Context, repo rbac.Repository, maxDepth int) (string, error) {
	key, err := s.Latest(ctx)
	if err != nil {
		return "", err
	}
	snap, err := s.Load(ctx, key)
	if err != nil {
		return "", err
	}
	if err := rbac.RestoreSnapshot(ctx, repo, snap, maxDepth); err != nil {
		return "", fmt.Errorf("failed to restore %s: %w", key, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"key":        key,
		"generation": snap.Generation,
	}).Info("Snapshot restored")
	return key, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
