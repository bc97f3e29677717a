package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeItem = map[string]types.AttributeValue

// fakeAPI is an in-memory DynamoDB that understands the condition and
// filter expressions Backend issues.
type fakeAPI struct {
	mu     sync.Mutex
	tables map[string]map[string]fakeItem
	ttl    map[string]string

	// conflicts makes that many conditional writes fail.
	conflicts int
	// unprocessed defers every key of the next BatchGetItem.
	unprocessed bool
	// err fails every call when set.
	err error

	writes int
}

func newFakeAPI(tables ...string) *fakeAPI {
	f := &fakeAPI{tables: map[string]map[string]fakeItem{}, ttl: map[string]string{}}
	for _, t := range tables {
		f.tables[t] = map[string]fakeItem{}
	}
	return f
}

func notFound(table string) error {
	return &types.ResourceNotFoundException{Message: aws.String("table " + table + " not found")}
}

func (f *fakeAPI) table(name *string) (map[string]fakeItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, notFound(aws.ToString(name))
	}
	return t, nil
}

func pkOf(key fakeItem) string {
	return key[attrPK].(*types.AttributeValueMemberS).Value
}

func (f *fakeAPI) check(current fakeItem, cond *string, values fakeItem) error {
	if cond == nil {
		return nil
	}
	if f.conflicts > 0 {
		f.conflicts--
		return &types.ConditionalCheckFailedException{Message: aws.String("injected conflict")}
	}
	var ok bool
	switch *cond {
	case "attribute_not_exists(#pk)":
		ok = current == nil
	case "attribute_exists(#pk)":
		ok = current != nil
	case "#gen = :gen":
		ok = current != nil &&
			current[attrGeneration].(*types.AttributeValueMemberN).Value == values[":gen"].(*types.AttributeValueMemberN).Value
	default:
		panic("unexpected condition " + *cond)
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	return nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t[pkOf(in.Key)]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk := pkOf(in.Item)
	if err := f.check(t[pk], in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t[pk] = in.Item
	f.writes++
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk := pkOf(in.Key)
	if err := f.check(t[pk], in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(t, pk)
	f.writes++
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unprocessed {
		f.unprocessed = false
		return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
	}
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for name, ka := range in.RequestItems {
		t, err := f.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		for _, key := range ka.Keys {
			if it, ok := t[pkOf(key)]; ok {
				out.Responses[name] = append(out.Responses[name], it)
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if aws.ToString(in.FilterExpression) != "begins_with(#pk, :prefix)" {
		return nil, fmt.Errorf("unexpected filter %q", aws.ToString(in.FilterExpression))
	}
	prefix := in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value

	pks := make([]string, 0, len(t))
	for pk := range t {
		if strings.HasPrefix(pk, prefix) {
			pks = append(pks, pk)
		}
	}
	sort.Strings(pks)
	out := &dynamodb.ScanOutput{}
	for _, pk := range pks {
		out.Items = append(out.Items, t[pk])
	}
	return out, nil
}

func (f *fakeAPI) ListTables(_ context.Context, _ *dynamodb.ListTablesInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := &dynamodb.ListTablesOutput{}
	for name := range f.tables {
		out.TableNames = append(out.TableNames, name)
	}
	sort.Strings(out.TableNames)
	return out, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
		ItemCount:   aws.Int64(int64(len(t))),
	}}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.tables[name] = map[string]fakeItem{}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) UpdateTimeToLive(_ context.Context, in *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl[aws.ToString(in.TableName)] = aws.ToString(in.TimeToLiveSpecification.AttributeName)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}
