// Package dynamokv stores tabkv data in a DynamoDB table.
//
// Every item lives in one partition (pk = namespace) with the raw key as a
// binary sort key, which DynamoDB orders bytewise. Batches are
// TransactWriteItems calls, so a batch holds at most MaxBatchOps distinct
// keys. Iteration runs paginated strongly consistent queries.
package dynamokv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"github.com/andreyvit/tabkv"
)

// MaxBatchOps is the TransactWriteItems limit.
const MaxBatchOps = 100

var ErrBatchTooLarge = errors.New("dynamokv: batch exceeds transaction limit")

const (
	attrPK    = "pk"
	attrSK    = "sk"
	attrValue = "v"
)

type Options struct {
	Region    string
	Table     string
	Endpoint  string // optional, e.g. DynamoDB Local
	AccessKey string // optional; the default credential chain is used otherwise
	SecretKey string

	// Namespace is the partition key value. Defaults to "tabkv".
	Namespace string
	PageSize  int32

	// CreateTable creates the table if it does not exist.
	CreateTable bool
}

type Store struct {
	client    *dynamodb.Client
	table     string
	namespace string
	pageSize  int32
}

var _ tabkv.Store = (*Store)(nil)

func Open(ctx context.Context, opt Options) (*Store, error) {
	if opt.Table == "" {
		return nil, errors.New("dynamokv: table name is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if opt.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opt.Region))
	}
	if opt.AccessKey != "" && opt.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opt.AccessKey, opt.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "dynamokv: loading AWS config")
	}

	var clientOpts []func(*dynamodb.Options)
	if opt.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(opt.Endpoint)
		})
	}
	s := New(dynamodb.NewFromConfig(cfg, clientOpts...), opt.Table, opt.Namespace)
	if opt.PageSize > 0 {
		s.pageSize = opt.PageSize
	}

	if opt.CreateTable {
		if err := s.CreateTable(ctx); err != nil {
			return nil, err
		}
	} else {
		_, err = s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
		if err != nil {
			return nil, errors.Wrapf(err, "dynamokv: describing table %s", s.table)
		}
	}
	return s, nil
}

func New(client *dynamodb.Client, table, namespace string) *Store {
	if namespace == "" {
		namespace = "tabkv"
	}
	return &Store{client: client, table: table, namespace: namespace, pageSize: 500}
}

func (s *Store) Client() *dynamodb.Client {
	return s.client
}

// CreateTable creates the table with on-demand billing unless it exists, and
// waits for it to become active.
func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSK), AttributeType: types.ScalarAttributeTypeB},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSK), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return errors.Wrapf(err, "dynamokv: creating table %s", s.table)
	}
	w := dynamodb.NewTableExistsWaiter(s.client)
	err = w.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute)
	return errors.Wrapf(err, "dynamokv: waiting for table %s", s.table)
}

func (s *Store) itemKey(key []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: s.namespace},
		attrSK: &types.AttributeValueMemberB{Value: key},
	}
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dynamokv: GetItem %x", key)
	}
	if out.Item == nil {
		return nil, tabkv.ErrKeyNotFound
	}
	return itemValue(out.Item), nil
}

func itemValue(item map[string]types.AttributeValue) []byte {
	if b, ok := item[attrValue].(*types.AttributeValueMemberB); ok && b.Value != nil {
		return b.Value
	}
	return []byte{}
}

// collapse keeps the last op per key; a transaction may not touch an item
// twice, and ordered application would let the last op win anyway.
func collapse(ops []tabkv.Op) []tabkv.Op {
	last := make(map[string]int, len(ops))
	for i, op := range ops {
		last[string(op.Key)] = i
	}
	if len(last) == len(ops) {
		return ops
	}
	result := make([]tabkv.Op, 0, len(last))
	for i, op := range ops {
		if last[string(op.Key)] == i {
			result = append(result, op)
		}
	}
	return result
}

func (s *Store) Write(ctx context.Context, ops []tabkv.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ops = collapse(ops)
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchOps {
		return errors.Wrapf(ErrBatchTooLarge, "%d ops", len(ops))
	}
	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case tabkv.OpPut:
			item := s.itemKey(op.Key)
			v := op.Value
			if v == nil {
				v = []byte{}
			}
			item[attrValue] = &types.AttributeValueMemberB{Value: v}
			items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.table), Item: item}})
		case tabkv.OpDelete:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{TableName: aws.String(s.table), Key: s.itemKey(op.Key)}})
		default:
			return fmt.Errorf("invalid op kind %d", op.Kind)
		}
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return errors.Wrapf(err, "dynamokv: TransactWriteItems of %d ops", len(items))
}

func (s *Store) Iterate(ctx context.Context, opt tabkv.IterOptions) (tabkv.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := &iterator{s: s, ctx: ctx, opt: opt, pos: -1}
	if opt.Lower != nil && opt.Upper != nil && bytes.Compare(opt.Lower, opt.Upper) >= 0 {
		it.done = true
		return it, nil
	}

	names := map[string]string{"#pk": attrPK}
	values := map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: s.namespace}}
	cond := "#pk = :pk"
	switch {
	case opt.Lower != nil && opt.Upper != nil:
		// BETWEEN is inclusive; the iterator drops a key equal to Upper.
		names["#sk"] = attrSK
		values[":lo"] = &types.AttributeValueMemberB{Value: opt.Lower}
		values[":hi"] = &types.AttributeValueMemberB{Value: opt.Upper}
		cond += " AND #sk BETWEEN :lo AND :hi"
	case opt.Lower != nil:
		names["#sk"] = attrSK
		values[":lo"] = &types.AttributeValueMemberB{Value: opt.Lower}
		cond += " AND #sk >= :lo"
	case opt.Upper != nil:
		names["#sk"] = attrSK
		values[":hi"] = &types.AttributeValueMemberB{Value: opt.Upper}
		cond += " AND #sk < :hi"
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
		Limit:                     aws.Int32(s.pageSize),
	}
	if opt.KeysOnly {
		in.ProjectionExpression = aws.String("#pk, #sk")
		names["#sk"] = attrSK
	}
	it.pager = dynamodb.NewQueryPaginator(s.client, in)
	return it, nil
}

func (s *Store) Close() error {
	return nil
}

type iterator struct {
	s     *Store
	ctx   context.Context
	opt   tabkv.IterOptions
	pager *dynamodb.QueryPaginator

	items []map[string]types.AttributeValue
	key   []byte
	pos   int
	done  bool
	err   error
}

func (it *iterator) Next() bool {
	for !it.done {
		it.pos++
		for it.pos >= len(it.items) {
			if !it.pager.HasMorePages() {
				it.done = true
				return false
			}
			out, err := it.pager.NextPage(it.ctx)
			if err != nil {
				it.err = errors.Wrap(err, "dynamokv: Query")
				it.done = true
				return false
			}
			it.items, it.pos = out.Items, 0
		}
		sk, ok := it.items[it.pos][attrSK].(*types.AttributeValueMemberB)
		if !ok {
			it.err = fmt.Errorf("dynamokv: item without binary sort key")
			it.done = true
			return false
		}
		if !tabkv.InRange(it.opt, sk.Value) {
			it.done = true
			return false
		}
		it.key = sk.Value
		return true
	}
	return false
}

func (it *iterator) Key() []byte { return it.key }

func (it *iterator) Value() []byte {
	if it.opt.KeysOnly {
		return nil
	}
	return itemValue(it.items[it.pos])
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error {
	it.done = true
	it.items = nil
	return nil
}
