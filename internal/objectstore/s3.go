// Package objectstore implements the remote side of delivery: role assumption and object upload.
package objectstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"

	"fieldcam/go-capture-node/internal/delivery"
	"fieldcam/go-capture-node/internal/model"
)

// S3Config holds the device identity and target bucket.
type S3Config struct {
	Region string
	Bucket string
	// RoleARN is the upload role. Without one the store falls back to a session token for the static keys.
	RoleARN         string
	AccessKeyID     string
	SecretAccessKey string
	SessionName     string
	SessionDuration time.Duration
	// Endpoint overrides the AWS endpoints (MinIO, LocalStack). Path-style addressing is used with it.
	Endpoint    string
	HTTPTimeout time.Duration
}

// S3Store assumes an upload role through STS and writes objects to S3 with the resulting
// short-lived credentials.
type S3Store struct {
	cfg    S3Config
	awsCfg aws.Config
	sts    *sts.Client

	mu       sync.Mutex
	clientID string
	client   *s3.Client
}

var _ delivery.RoleAssumer = (*S3Store)(nil)
var _ delivery.Uploader = (*S3Store)(nil)

// NewS3Store creates a new S3-backed store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 region and bucket are required", model.ErrValidation)
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "fieldcam"
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = time.Hour
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		// Retries are owned by the delivery agent.
		config.WithRetryMaxAttempts(1),
	}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, config.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(cfg.HTTPTimeout)))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Store{cfg: cfg, awsCfg: awsCfg, sts: stsClient}, nil
}

// AssumeRole exchanges the long-lived device keys for short-lived upload credentials.
func (s *S3Store) AssumeRole(ctx context.Context) (delivery.Credentials, error) {
	seconds := aws.Int32(int32(s.cfg.SessionDuration / time.Second))

	var creds *ststypes.Credentials
	if s.cfg.RoleARN != "" {
		out, err := s.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
			RoleArn:         aws.String(s.cfg.RoleARN),
			RoleSessionName: aws.String(s.cfg.SessionName),
			DurationSeconds: seconds,
		})
		if err != nil {
			return delivery.Credentials{}, classify("assume role", err)
		}
		creds = out.Credentials
	} else {
		out, err := s.sts.GetSessionToken(ctx, &sts.GetSessionTokenInput{DurationSeconds: seconds})
		if err != nil {
			return delivery.Credentials{}, classify("get session token", err)
		}
		creds = out.Credentials
	}
	if creds == nil {
		return delivery.Credentials{}, fmt.Errorf("%w: sts returned no credentials", model.ErrAuth)
	}

	return delivery.Credentials{
		AccessKeyID:     aws.ToString(creds.AccessKeyId),
		SecretAccessKey: aws.ToString(creds.SecretAccessKey),
		SessionToken:    aws.ToString(creds.SessionToken),
		Expires:         aws.ToTime(creds.Expiration),
	}, nil
}

// Upload writes one object. The SHA-256 checksum is sent so S3 rejects a corrupted body.
func (s *S3Store) Upload(ctx context.Context, creds delivery.Credentials, obj delivery.Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		StorageClass:  s3types.StorageClassStandard,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if len(obj.SHA256) > 0 {
		in.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(obj.SHA256))
	}

	if _, err := s.clientFor(creds).PutObject(ctx, in); err != nil {
		return classify("put "+obj.Key, err)
	}
	return nil
}

// clientFor returns an S3 client signing with creds, reusing the previous one while the
// credentials are unchanged.
func (s *S3Store) clientFor(creds delivery.Credentials) *s3.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := creds.AccessKeyID + "\x00" + creds.SessionToken
	if s.client != nil && s.clientID == id {
		return s.client
	}
	s.client = s3.NewFromConfig(s.awsCfg, func(o *s3.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	s.clientID = id
	return s.client
}

var authCodes = map[string]struct{}{
	"AccessDenied":                {},
	"AccessDeniedException":       {},
	"ExpiredToken":                {},
	"ExpiredTokenException":       {},
	"InvalidAccessKeyId":          {},
	"InvalidClientTokenId":        {},
	"InvalidToken":                {},
	"SignatureDoesNotMatch":       {},
	"TokenRefreshRequired":        {},
	"UnrecognizedClientException": {},
}

// classify maps SDK errors onto the delivery taxonomy: rejected identity is ErrAuth,
// everything else is treated as a transient ErrNetwork.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := authCodes[apiErr.ErrorCode()]; ok {
			return fmt.Errorf("%w: %s: %v", model.ErrAuth, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", model.ErrNetwork, op, err)
}
