package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectAPI is the subset of the S3 client the backend uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	Logger       *slog.Logger
}

// S3 stores each record as a JSON object under
// <prefix><device>/activation.json and <prefix><device>/keycodes/<name>.json.
type S3 struct {
	client ObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 builds a client from the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3WithClient(client, opts.Bucket, opts.Prefix, opts.Logger), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client ObjectAPI, bucket, prefix string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3) activationObject(deviceID string) string {
	return s.prefix + deviceID + "/activation.json"
}

func (s *S3) keyCodeDir(deviceID string) string {
	return s.prefix + deviceID + "/keycodes/"
}

func (s *S3) keyCodeObject(deviceID, name string) string {
	return s.keyCodeDir(deviceID) + name + ".json"
}

func (s *S3) PutActivation(ctx context.Context, a *Activation) error {
	if err := a.validate(); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if err := s.putJSON(ctx, s.activationObject(a.DeviceID), a); err != nil {
		return err
	}

	kcs, err := s.KeyCodes(ctx, a.DeviceID)
	if err != nil {
		return err
	}
	for _, kc := range kcs {
		if kc.EnrollmentID == a.EnrollmentID {
			continue
		}
		if err := s.delete(ctx, s.keyCodeObject(kc.DeviceID, kc.Name)); err != nil {
			return fmt.Errorf("drop stale key code: %w", err)
		}
	}
	return nil
}

// PutEnrollment writes kcs first and the activation last, so a reader
// never sees the new activation without its key codes.
func (s *S3) PutEnrollment(ctx context.Context, a *Activation, kcs []KeyCode) error {
	if err := a.validate(); err != nil {
		return err
	}
	for i := range kcs {
		if kcs[i].DeviceID != a.DeviceID || kcs[i].EnrollmentID != a.EnrollmentID {
			return fmt.Errorf("%w: key code %q does not belong to the activation", ErrInvalidRecord, kcs[i].Name)
		}
	}

	var written []string
	undo := func() {
		for _, object := range written {
			if err := s.delete(ctx, object); err != nil {
				s.logger.Warn("orphaned key code", slog.String("object", object), slog.String("error", err.Error()))
			}
		}
	}
	for i := range kcs {
		if err := s.PutKeyCode(ctx, &kcs[i]); err != nil {
			undo()
			return err
		}
		written = append(written, s.keyCodeObject(kcs[i].DeviceID, kcs[i].Name))
	}
	if err := s.PutActivation(ctx, a); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *S3) Activation(ctx context.Context, deviceID string) (*Activation, error) {
	var a Activation
	if err := s.getJSON(ctx, s.activationObject(deviceID), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *S3) PutKeyCode(ctx context.Context, kc *KeyCode) error {
	if err := kc.validate(); err != nil {
		return err
	}
	if strings.Contains(kc.Name, "/") {
		return fmt.Errorf("%w: name must not contain '/'", ErrInvalidRecord)
	}
	if kc.CreatedAt.IsZero() {
		kc.CreatedAt = time.Now()
	}
	return s.putJSON(ctx, s.keyCodeObject(kc.DeviceID, kc.Name), kc)
}

func (s *S3) KeyCode(ctx context.Context, deviceID, name string) (*KeyCode, error) {
	var kc KeyCode
	if err := s.getJSON(ctx, s.keyCodeObject(deviceID, name), &kc); err != nil {
		return nil, err
	}
	return &kc, nil
}

func (s *S3) KeyCodes(ctx context.Context, deviceID string) ([]KeyCode, error) {
	dir := s.keyCodeDir(deviceID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(dir),
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("store: list key codes: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, aws.ToString(obj.Key))
		}
	}
	sort.Strings(names)

	out := make([]KeyCode, 0, len(names))
	for _, name := range names {
		var kc KeyCode
		if err := s.getJSON(ctx, name, &kc); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, kc)
	}
	return out, nil
}

func (s *S3) DeleteKeyCode(ctx context.Context, deviceID, name string) error {
	object := s.keyCodeObject(deviceID, name)
	var kc KeyCode
	if err := s.getJSON(ctx, object, &kc); err != nil {
		return err
	}
	return s.delete(ctx, object)
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (s *S3) Close() error {
	return nil
}

func (s *S3) putJSON(ctx context.Context, object string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", object, err)
	}

	s.logger.Debug("s3 put", slog.String("bucket", s.bucket), slog.String("object", object), slog.Int("size", len(data)))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(object),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", object, err)
	}
	return nil
}

func (s *S3) getJSON(ctx context.Context, object string, v any) error {
	s.logger.Debug("s3 get", slog.String("bucket", s.bucket), slog.String("object", object))
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return ErrNotFound
		}
		return fmt.Errorf("store: get %s: %w", object, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("store: read %s: %w", object, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", object, err)
	}
	return nil
}

func (s *S3) delete(ctx context.Context, object string) error {
	s.logger.Debug("s3 delete", slog.String("bucket", s.bucket), slog.String("object", object))
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", object, err)
	}
	return nil
}
