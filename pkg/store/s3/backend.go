// Package s3 stores records as objects in an S3 bucket.
//
// A record lives at "<prefix><namespace>/records/<set>/<key kind>:<user key>"
// (set and user key path-escaped) as a JSON document of type-tagged bins,
// generation and expiration. Writes are conditional on the ETag read, or on
// absence for new records, so concurrent writers retry rather than
// overwrite. Index definitions live under "<prefix><namespace>/indexes/".
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

const (
	maxWriteAttempts = 16
	batchConcurrency = 16
	recordsDir       = "records/"
	indexesDir       = "indexes/"
)

// API is the subset of the S3 client used by Backend.
type API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Config holds S3 backend configuration.
type Config struct {
	Bucket           string
	Prefix           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	UsePathStyle     bool
	OperationTimeout time.Duration
}

// Backend implements native.Backend over S3.
type Backend struct {
	api    API
	logger logger.Logger
	config Config
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

var (
	_ native.Backend     = (*Backend)(nil)
	_ native.BatchLoader = (*Backend)(nil)
)

// NewBackend builds an S3 client (AWS SDK v2), honoring a custom endpoint
// for S3-compatible stores, and verifies the bucket is reachable.
func NewBackend(cfg Config, log logger.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		opts = append(opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	b := NewBackendWithAPI(awss3.NewFromConfig(awsCfg, opts...), cfg, log)
	ctx, cancel := b.withOperationTimeout(context.Background())
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		return nil, err
	}

	b.logger.Info("S3 backend initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return b, nil
}

// NewBackendWithAPI wraps an existing client without checking connectivity.
func NewBackendWithAPI(api API, cfg Config, log logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &Backend{api: api, logger: log, config: cfg, now: time.Now}
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "s3" }

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return kv.NewError(kv.ClientClosed, "s3 backend is closed")
	}
	return nil
}

func (b *Backend) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	var nsk *awss3types.NoSuchKey
	var nf *awss3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf) || apiErrorCode(err) == "NoSuchKey"
}

// isConditionFailure reports a lost conditional write.
func isConditionFailure(err error) bool {
	switch apiErrorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

// wrapErr maps SDK failures onto native errors. Context errors pass through.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var kerr *kv.Error
	if errors.As(err, &kerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch apiErrorCode(err) {
	case "SlowDown", "ThrottlingException", "RequestLimitExceeded":
		return kv.WrapError(kv.Throttled, err)
	case "RequestTimeout":
		return kv.WrapError(kv.Timeout, err)
	case "NoSuchBucket":
		return kv.WrapError(kv.ParameterError, err)
	}
	return kv.WrapError(kv.ServerError, err)
}

func (b *Backend) namespacePrefix(namespace string) string {
	return b.config.Prefix + url.PathEscape(namespace) + "/"
}

func (b *Backend) recordPrefix(namespace, setName string) string {
	p := b.namespacePrefix(namespace) + recordsDir
	if setName != "" {
		p += url.PathEscape(setName) + "/"
	}
	return p
}

func (b *Backend) objectKey(key *kv.Key) string {
	kind, uk := native.EncodeUserKey(key)
	return b.namespacePrefix(key.Namespace) + recordsDir + url.PathEscape(key.SetName) + "/" + kind + ":" + url.PathEscape(uk)
}

// parseObjectKey reverses objectKey for objects listed under a namespace.
func (b *Backend) parseObjectKey(namespace, objectKey string) (*kv.Key, error) {
	rest, ok := strings.CutPrefix(objectKey, b.namespacePrefix(namespace)+recordsDir)
	if !ok {
		return nil, fmt.Errorf("object %q outside namespace %s", objectKey, namespace)
	}
	escSet, escKey, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("malformed object key %q", objectKey)
	}
	kind, escUK, ok := strings.Cut(escKey, ":")
	if !ok {
		return nil, fmt.Errorf("malformed object key %q", objectKey)
	}
	setName, err := url.PathUnescape(escSet)
	if err != nil {
		return nil, err
	}
	uk, err := url.PathUnescape(escUK)
	if err != nil {
		return nil, err
	}
	return native.DecodeUserKey(namespace, setName, kind, uk)
}

// object is the stored form of a record.
type object struct {
	Bins       map[string]string `json:"bins"`
	Generation uint32            `json:"generation"`
	ExpiresAt  int64             `json:"expires_at,omitempty"`
}

func encodeObject(s *native.State) ([]byte, error) {
	bins, err := native.EncodeBins(s.Bins)
	if err != nil {
		return nil, err
	}
	obj := object{Bins: bins, Generation: s.Generation}
	if !s.ExpiresAt.IsZero() {
		obj.ExpiresAt = s.ExpiresAt.UnixMilli()
	}
	return json.Marshal(obj)
}

func decodeObject(raw []byte) (*native.State, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	bins, err := native.DecodeBins(obj.Bins)
	if err != nil {
		return nil, err
	}
	s := &native.State{Bins: bins, Generation: obj.Generation}
	if obj.ExpiresAt != 0 {
		s.ExpiresAt = time.UnixMilli(obj.ExpiresAt)
	}
	return s, nil
}

// get reads the object at objectKey. etag is set whenever the object
// exists, even when the record has expired, so writers can condition on it.
func (b *Backend) get(ctx context.Context, objectKey string) (s *native.State, etag string, err error) {
	out, err := b.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objectKey),
	})
	if isNotFound(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", wrapErr(err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", wrapErr(err)
	}
	etag = aws.ToString(out.ETag)
	s, err = decodeObject(raw)
	if err != nil {
		return nil, etag, kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", objectKey, err))
	}
	if s.Expired(b.now()) {
		return nil, etag, nil
	}
	return s, etag, nil
}

// Load implements native.Backend.
func (b *Backend) Load(ctx context.Context, key *kv.Key) (*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	s, _, err := b.get(ctx, b.objectKey(key))
	return s, err
}

// LoadBatch implements native.BatchLoader with bounded concurrent reads.
func (b *Backend) LoadBatch(ctx context.Context, keys []*kv.Key) ([]*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	out := make([]*native.State, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			s, _, err := b.get(gctx, b.objectKey(key))
			out[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Mutate implements native.Backend with ETag-conditional writes, retrying
// when another writer changed the object first.
func (b *Backend) Mutate(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	objectKey := b.objectKey(key)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, etag, err := b.get(ctx, objectKey)
		if err != nil {
			return nil, err
		}
		next, write, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if !write {
			return cur, nil
		}

		switch {
		case next == nil && etag == "":
			return nil, nil
		case next == nil:
			_, err = b.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
				Bucket:  aws.String(b.config.Bucket),
				Key:     aws.String(objectKey),
				IfMatch: aws.String(etag),
			})
		default:
			var body []byte
			if body, err = encodeObject(next); err != nil {
				return nil, err
			}
			in := &awss3.PutObjectInput{
				Bucket:      aws.String(b.config.Bucket),
				Key:         aws.String(objectKey),
				Body:        bytes.NewReader(body),
				ContentType: aws.String("application/json"),
			}
			if etag != "" {
				in.IfMatch = aws.String(etag)
			} else {
				in.IfNoneMatch = aws.String("*")
			}
			_, err = b.api.PutObject(ctx, in)
		}
		if isConditionFailure(err) {
			b.logger.Debug("s3 conditional write lost race, retrying", "key", objectKey, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, wrapErr(err)
		}
		return next, nil
	}
	return nil, kv.NewError(kv.ServerError, fmt.Sprintf("%s: gave up after %d contended writes", objectKey, maxWriteAttempts))
}

// list visits every object key under prefix in lexical order.
func (b *Backend) list(ctx context.Context, prefix string, visit func(objectKey string) error) error {
	p := awss3.NewListObjectsV2Paginator(b.api, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return wrapErr(err)
		}
		for _, obj := range page.Contents {
			if err := visit(aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Scan implements native.Backend, visiting records in object key order.
func (b *Backend) Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *native.State) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.list(ctx, b.recordPrefix(namespace, setName), func(objectKey string) error {
		key, err := b.parseObjectKey(namespace, objectKey)
		if err != nil {
			return kv.WrapError(kv.ServerError, err)
		}
		opCtx, cancel := b.withOperationTimeout(ctx)
		defer cancel()
		s, _, err := b.get(opCtx, objectKey)
		if err != nil {
			return err
		}
		if s == nil {
			return nil
		}
		return emit(key, s)
	})
}

func (b *Backend) indexKey(namespace, name string) string {
	return b.namespacePrefix(namespace) + indexesDir + url.PathEscape(name)
}

// CreateIndex implements native.Backend. The definition is written only if
// no index of that name exists.
func (b *Backend) CreateIndex(ctx context.Context, spec kv.IndexSpec) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return kv.WrapError(kv.ParameterError, err)
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	_, err = b.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(b.config.Bucket),
		Key:         aws.String(b.indexKey(spec.Namespace, spec.Name)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if isConditionFailure(err) {
		return kv.NewError(kv.IndexFound, spec.Name)
	}
	return wrapErr(err)
}

// DropIndex implements native.Backend.
func (b *Backend) DropIndex(ctx context.Context, namespace, _, name string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	objectKey := b.indexKey(namespace, name)
	head, err := b.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(objectKey),
	})
	if isNotFound(err) {
		return kv.NewError(kv.IndexNotFound, name)
	}
	if err != nil {
		return wrapErr(err)
	}
	_, err = b.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket:  aws.String(b.config.Bucket),
		Key:     aws.String(objectKey),
		IfMatch: head.ETag,
	})
	if isConditionFailure(err) {
		return kv.NewError(kv.IndexNotFound, name)
	}
	return wrapErr(err)
}

// Indexes implements native.Backend.
func (b *Backend) Indexes(ctx context.Context, namespace string) ([]kv.IndexSpec, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	var out []kv.IndexSpec
	err := b.list(ctx, b.namespacePrefix(namespace)+indexesDir, func(objectKey string) error {
		obj, err := b.api.GetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(objectKey),
		})
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return wrapErr(err)
		}
		defer obj.Body.Close()
		var spec kv.IndexSpec
		if err := json.NewDecoder(obj.Body).Decode(&spec); err != nil {
			return kv.WrapError(kv.ServerError, fmt.Errorf("index %s: %w", objectKey, err))
		}
		out = append(out, spec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Info implements native.Backend. Supported commands are "build", "bucket",
// "namespaces" and "objects:<namespace>"; others answer with an empty value.
// No commands returns build, bucket and namespaces.
func (b *Backend) Info(ctx context.Context, commands []string) (map[string]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	if len(commands) == 0 {
		commands = []string{"build", "bucket", "namespaces"}
	}

	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		switch {
		case cmd == "build":
			out[cmd] = b.Name()
		case cmd == "bucket":
			out[cmd] = b.config.Bucket
		case cmd == "namespaces":
			namespaces, err := b.namespaces(ctx)
			if err != nil {
				return nil, err
			}
			out[cmd] = strings.Join(namespaces, ";")
		case strings.HasPrefix(cmd, "objects:"):
			var n int64
			err := b.list(ctx, b.recordPrefix(strings.TrimPrefix(cmd, "objects:"), ""), func(string) error {
				n++
				return nil
			})
			if err != nil {
				return nil, err
			}
			out[cmd] = strconv.FormatInt(n, 10)
		default:
			out[cmd] = ""
		}
	}
	return out, nil
}

func (b *Backend) namespaces(ctx context.Context) ([]string, error) {
	p := awss3.NewListObjectsV2Paginator(b.api, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(b.config.Bucket),
		Prefix:    aws.String(b.config.Prefix),
		Delimiter: aws.String("/"),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, cp := range page.CommonPrefixes {
			esc := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), b.config.Prefix), "/")
			ns, err := url.PathUnescape(esc)
			if err != nil {
				continue
			}
			names = append(names, ns)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ping implements native.Backend by checking the bucket is accessible.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	_, err := b.api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(b.config.Bucket)})
	if err != nil {
		return fmt.Errorf("s3 ping failed: %w", wrapErr(err))
	}
	return nil
}

// Close implements native.Backend. The SDK client holds no connections that
// need releasing, so Close only rejects later calls.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
