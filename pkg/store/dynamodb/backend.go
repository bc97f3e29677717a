// Package dynamodb stores records in Amazon DynamoDB.
//
// Each namespace maps to one table, named TablePrefix+namespace, keyed by the
// string attribute "pk". Records carry their bins in a map attribute next to
// the generation and expiration; secondary index definitions live in the
// same table under their own key prefix. Writes are conditional on the
// generation read, so concurrent writers retry instead of overwriting.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/store/native"
)

const (
	maxWriteAttempts = 16
	maxBatchGet      = 100
	maxBatchRounds   = 8
	tableWaitTimeout = 2 * time.Minute
)

// API is the subset of the DynamoDB client used by Backend.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// Config holds DynamoDB backend configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
	// TablePrefix is prepended to the namespace to form the table name.
	TablePrefix string
	// Namespaces lists the namespaces whose tables EnsureNamespace creates
	// at startup when CreateTables is set.
	Namespaces   []string
	CreateTables bool
}

// Backend implements native.Backend over DynamoDB.
type Backend struct {
	api     API
	logger  logger.Logger
	config  Config
	timeout time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
}

var (
	_ native.Backend     = (*Backend)(nil)
	_ native.BatchLoader = (*Backend)(nil)
)

// NewBackend builds a DynamoDB client (AWS SDK v2), honoring a custom
// endpoint for DynamoDB Local, and verifies connectivity.
func NewBackend(cfg Config, log logger.Logger) (*Backend, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 5 * time.Second
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

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	b := NewBackendWithAPI(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		return nil, err
	}
	if cfg.CreateTables {
		for _, ns := range cfg.Namespaces {
			if err := b.EnsureNamespace(context.Background(), ns); err != nil {
				return nil, err
			}
		}
	}

	b.logger.Info("DynamoDB backend initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table_prefix", cfg.TablePrefix)
	return b, nil
}

// NewBackendWithAPI wraps an existing client without checking connectivity.
func NewBackendWithAPI(api API, cfg Config, log logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	return &Backend{
		api:     api,
		logger:  log,
		config:  cfg,
		timeout: cfg.OperationTimeout,
		now:     time.Now,
	}
}

// API returns the underlying client.
func (b *Backend) API() API {
	return b.api
}

// Name implements native.Backend.
func (b *Backend) Name() string { return "dynamodb" }

func (b *Backend) table(namespace string) *string {
	return aws.String(b.config.TablePrefix + namespace)
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return kv.NewError(kv.ClientClosed, "dynamodb backend is closed")
	}
	return nil
}

func (b *Backend) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// IsThrottlingError reports whether err is a DynamoDB throughput or request
// rate rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	if errors.As(err, &pte) {
		return true
	}
	var rle *types.RequestLimitExceeded
	if errors.As(err, &rle) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException"
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
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
	if IsThrottlingError(err) {
		return kv.WrapError(kv.Throttled, err)
	}
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return kv.WrapError(kv.ParameterError, fmt.Errorf("namespace table not found: %w", err))
	}
	return kv.WrapError(kv.ServerError, err)
}

// getItem reads an item with strong consistency. The returned generation is
// that of the stored item even when it has expired, so writes can condition
// on it.
func (b *Backend) getItem(ctx context.Context, key *kv.Key) (*native.State, int64, bool, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      b.table(key.Namespace),
		Key:            pkAttr(recordPK(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, false, wrapErr(err)
	}
	if out.Item == nil {
		return nil, 0, false, nil
	}
	_, s, err := decodeItem(key.Namespace, out.Item)
	if err != nil {
		return nil, 0, false, kv.WrapError(kv.ServerError, fmt.Errorf("decode %s: %w", recordPK(key), err))
	}
	gen := int64(s.Generation)
	if s.Expired(b.now()) {
		s = nil
	}
	return s, gen, true, nil
}

// Load implements native.Backend.
func (b *Backend) Load(ctx context.Context, key *kv.Key) (*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	s, _, _, err := b.getItem(ctx, key)
	return s, err
}

// LoadBatch implements native.BatchLoader with BatchGetItem, chunked to the
// service limit and retrying unprocessed keys.
func (b *Backend) LoadBatch(ctx context.Context, keys []*kv.Key) ([]*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	type slot struct {
		table string
		pk    string
	}
	positions := make(map[slot][]int, len(keys))
	for i, key := range keys {
		s := slot{table: *b.table(key.Namespace), pk: recordPK(key)}
		positions[s] = append(positions[s], i)
	}

	pending := make([]slot, 0, len(positions))
	for s := range positions {
		pending = append(pending, s)
	}

	out := make([]*native.State, len(keys))
	now := b.now()
	for start := 0; start < len(pending); start += maxBatchGet {
		end := min(start+maxBatchGet, len(pending))
		request := map[string]types.KeysAndAttributes{}
		for _, s := range pending[start:end] {
			ka := request[s.table]
			ka.Keys = append(ka.Keys, pkAttr(s.pk))
			ka.ConsistentRead = aws.Bool(true)
			request[s.table] = ka
		}

		for round := 0; len(request) > 0; round++ {
			if round == maxBatchRounds {
				return nil, kv.NewError(kv.Throttled, "batch read left unprocessed keys")
			}
			resp, err := b.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, wrapErr(err)
			}
			for table, items := range resp.Responses {
				namespace := strings.TrimPrefix(table, b.config.TablePrefix)
				for _, item := range items {
					_, st, err := decodeItem(namespace, item)
					if err != nil {
						return nil, kv.WrapError(kv.ServerError, err)
					}
					if st.Expired(now) {
						continue
					}
					for _, i := range positions[slot{table: table, pk: stringAttr(item, attrPK)}] {
						out[i] = st
					}
				}
			}
			request = resp.UnprocessedKeys
			if len(request) > 0 {
				b.logger.Debug("dynamodb batch read has unprocessed keys, retrying", "tables", len(request), "round", round+1)
			}
		}
	}
	return out, nil
}

// Mutate implements native.Backend with conditional writes on the stored
// generation, retrying when another writer got there first.
func (b *Backend) Mutate(ctx context.Context, key *kv.Key, fn native.Mutation) (*native.State, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	pk := recordPK(key)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, storedGen, stored, err := b.getItem(ctx, key)
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

		cond, names, values := writeCondition(stored, storedGen)
		if next == nil {
			if !stored {
				return nil, nil
			}
			_, err = b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 b.table(key.Namespace),
				Key:                       pkAttr(pk),
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
		} else {
			item, encErr := encodeItem(key, next)
			if encErr != nil {
				return nil, encErr
			}
			_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 b.table(key.Namespace),
				Item:                      item,
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
		}
		if isConditionFailure(err) {
			b.logger.Debug("dynamodb conditional write lost race, retrying", "key", pk, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, wrapErr(err)
		}
		return next, nil
	}
	return nil, kv.NewError(kv.ServerError, fmt.Sprintf("%s: gave up after %d contended writes", pk, maxWriteAttempts))
}

func writeCondition(stored bool, gen int64) (*string, map[string]string, map[string]types.AttributeValue) {
	if !stored {
		return aws.String("attribute_not_exists(#pk)"), map[string]string{"#pk": attrPK}, nil
	}
	return aws.String("#gen = :gen"),
		map[string]string{"#gen": attrGeneration},
		map[string]types.AttributeValue{":gen": &types.AttributeValueMemberN{Value: strconv.FormatInt(gen, 10)}}
}

// Scan implements native.Backend with a paginated table scan. Records are
// visited in the table's partition order.
func (b *Backend) Scan(ctx context.Context, namespace, setName string, emit func(*kv.Key, *native.State) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	in := &dynamodb.ScanInput{
		TableName:                 b.table(namespace),
		ConsistentRead:            aws.Bool(true),
		FilterExpression:          aws.String("begins_with(#pk, :prefix)"),
		ExpressionAttributeNames:  map[string]string{"#pk": attrPK},
		ExpressionAttributeValues: map[string]types.AttributeValue{":prefix": &types.AttributeValueMemberS{Value: recordPrefix}},
	}
	if setName != "" {
		in.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: recordPrefix + setName + "/"}
	}

	pages := dynamodb.NewScanPaginator(b.api, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return wrapErr(err)
		}
		now := b.now()
		for _, item := range page.Items {
			key, s, err := decodeItem(namespace, item)
			if err != nil {
				return kv.WrapError(kv.ServerError, err)
			}
			if s.Expired(now) {
				continue
			}
			if err := emit(key, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateIndex implements native.Backend. The definition is stored as an item
// of the namespace table; queries evaluate filters while scanning.
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
	_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: b.table(spec.Namespace),
		Item: map[string]types.AttributeValue{
			attrPK:        &types.AttributeValueMemberS{Value: indexPK(spec.Name)},
			attrIndexSpec: &types.AttributeValueMemberS{Value: string(raw)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
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
	_, err := b.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                b.table(namespace),
		Key:                      pkAttr(indexPK(name)),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
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
	pages := dynamodb.NewScanPaginator(b.api, &dynamodb.ScanInput{
		TableName:                 b.table(namespace),
		ConsistentRead:            aws.Bool(true),
		FilterExpression:          aws.String("begins_with(#pk, :prefix)"),
		ExpressionAttributeNames:  map[string]string{"#pk": attrPK},
		ExpressionAttributeValues: map[string]types.AttributeValue{":prefix": &types.AttributeValueMemberS{Value: indexPrefix}},
	})
	var out []kv.IndexSpec
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, item := range page.Items {
			var spec kv.IndexSpec
			if err := json.Unmarshal([]byte(stringAttr(item, attrIndexSpec)), &spec); err != nil {
				return nil, kv.WrapError(kv.ServerError, fmt.Errorf("index %s: %w", stringAttr(item, attrPK), err))
			}
			out = append(out, spec)
		}
	}
	return out, nil
}

// Info implements native.Backend. Supported commands are "build",
// "namespaces" (tables under the prefix) and "objects:<namespace>" (the
// table's approximate item count); others answer with an empty value. No
// commands returns the backend name, region and namespaces.
func (b *Backend) Info(ctx context.Context, commands []string) (map[string]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	if len(commands) == 0 {
		namespaces, err := b.namespaces(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"build":      b.Name(),
			"region":     b.config.Region,
			"namespaces": strings.Join(namespaces, ";"),
		}, nil
	}

	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		switch {
		case cmd == "build":
			out[cmd] = b.Name()
		case cmd == "namespaces":
			namespaces, err := b.namespaces(ctx)
			if err != nil {
				return nil, err
			}
			out[cmd] = strings.Join(namespaces, ";")
		case strings.HasPrefix(cmd, "objects:"):
			desc, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: b.table(strings.TrimPrefix(cmd, "objects:"))})
			if err != nil {
				return nil, wrapErr(err)
			}
			out[cmd] = strconv.FormatInt(aws.ToInt64(desc.Table.ItemCount), 10)
		default:
			out[cmd] = ""
		}
	}
	return out, nil
}

func (b *Backend) namespaces(ctx context.Context) ([]string, error) {
	var names []string
	pages := dynamodb.NewListTablesPaginator(b.api, &dynamodb.ListTablesInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, table := range page.TableNames {
			if ns, ok := strings.CutPrefix(table, b.config.TablePrefix); ok && ns != "" {
				names = append(names, ns)
			}
		}
	}
	return sortedNames(names), nil
}

// EnsureNamespace creates the namespace table with on-demand billing when it
// is missing, waits for it to become active and enables DynamoDB TTL on the
// ttl attribute.
func (b *Backend) EnsureNamespace(ctx context.Context, namespace string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	table := b.table(namespace)
	_, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: table})
	if err == nil {
		return nil
	}
	var rnf *types.ResourceNotFoundException
	if !errors.As(err, &rnf) {
		return wrapErr(err)
	}

	_, err = b.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            table,
		AttributeDefinitions: []types.AttributeDefinition{{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS}},
		KeySchema:            []types.KeySchemaElement{{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash}},
		BillingMode:          types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return wrapErr(err)
	}
	if err := dynamodb.NewTableExistsWaiter(b.api).Wait(ctx, &dynamodb.DescribeTableInput{TableName: table}, tableWaitTimeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", *table, err)
	}
	if _, err := b.api.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: table,
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrTTL),
			Enabled:       aws.Bool(true),
		},
	}); err != nil {
		b.logger.Warn("failed to enable DynamoDB TTL", "table", *table, "error", err)
	}
	b.logger.Info("DynamoDB namespace table created", "table", *table)
	return nil
}

// Ping implements native.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	_, err := b.api.ListTables(opCtx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", wrapErr(err))
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
