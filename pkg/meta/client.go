package meta

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxTxnRetries = 8

// ErrConflict is returned when an insert keeps losing the CAS race.
var ErrConflict = errors.New("meta: concurrent update conflict")

// EtcdStore is a Store kept in etcd. The current record of a key and
// every (version, segment) row are separate etcd keys; Insert swaps the
// current key with a ModRevision compare.
type EtcdStore struct {
	cli    *clientv3.Client
	kv     clientv3.KV
	prefix string
}

func NewEtcdStore(endpoints []string, prefix string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("meta: etcd connect: %w", err)
	}
	if prefix == "" {
		prefix = "/datareader"
	}
	return &EtcdStore{cli: cli, kv: cli, prefix: prefix}, nil
}

func (c *EtcdStore) Close() error { return c.cli.Close() }

func (c *EtcdStore) keyBase(tenant int64, key string) string {
	return fmt.Sprintf("%s/content/%d/%s", c.prefix, tenant, url.PathEscape(key))
}

func (c *EtcdStore) keyCurrent(tenant int64, key string) string {
	return c.keyBase(tenant, key) + "/current"
}

func (c *EtcdStore) keyVersionPrefix(tenant int64, key string, version int64) string {
	return fmt.Sprintf("%s/v/%020d/", c.keyBase(tenant, key), version)
}

func (c *EtcdStore) keyVersion(tenant int64, key string, version int64, segment int32) string {
	return fmt.Sprintf("%s%010d", c.keyVersionPrefix(tenant, key, version), segment)
}

func (c *EtcdStore) Insert(ctx context.Context, rec ContentRecord) (int64, error) {
	cur := c.keyCurrent(rec.TenantID, rec.Key)
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	put := []clientv3.Op{
		clientv3.OpPut(cur, string(b)),
		clientv3.OpPut(c.keyVersion(rec.TenantID, rec.Key, rec.VersionNumber, rec.SegmentNumber), string(b)),
	}

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		get, err := c.kv.Get(ctx, cur)
		if err != nil {
			return 0, err
		}
		var (
			prior int64
			cmp   clientv3.Cmp
		)
		if len(get.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.Version(cur), "=", 0)
		} else {
			var existing ContentRecord
			if err := json.Unmarshal(get.Kvs[0].Value, &existing); err != nil {
				return 0, fmt.Errorf("meta: decode %s: %w", cur, err)
			}
			if !existing.Timestamp.Before(rec.Timestamp) {
				return 0, ErrInvalidDuplicate
			}
			prior = existing.TotalSize
			cmp = clientv3.Compare(clientv3.ModRevision(cur), "=", get.Kvs[0].ModRevision)
		}
		resp, err := c.kv.Txn(ctx).If(cmp).Then(put...).Commit()
		if err != nil {
			return 0, err
		}
		if resp.Succeeded {
			return prior, nil
		}
	}
	return 0, ErrConflict
}

func (c *EtcdStore) Lookup(ctx context.Context, q LookupQuery) (ContentRecord, error) {
	var (
		get *clientv3.GetResponse
		err error
	)
	switch {
	case q.VersionNumber == nil:
		get, err = c.kv.Get(ctx, c.keyCurrent(q.TenantID, q.Key))
	case q.SegmentNumber != nil:
		get, err = c.kv.Get(ctx, c.keyVersion(q.TenantID, q.Key, *q.VersionNumber, *q.SegmentNumber))
	default:
		get, err = c.kv.Get(ctx, c.keyVersionPrefix(q.TenantID, q.Key, *q.VersionNumber),
			clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			clientv3.WithLimit(1))
	}
	if err != nil {
		return ContentRecord{}, err
	}
	if len(get.Kvs) == 0 {
		return ContentRecord{}, ErrKeyNotFound
	}
	var rec ContentRecord
	if err := json.Unmarshal(get.Kvs[0].Value, &rec); err != nil {
		return ContentRecord{}, fmt.Errorf("meta: decode %s: %w", get.Kvs[0].Key, err)
	}
	if q.VersionNumber == nil && q.SegmentNumber != nil && rec.SegmentNumber != *q.SegmentNumber {
		return ContentRecord{}, ErrKeyNotFound
	}
	if rec.IsTombstone {
		return ContentRecord{}, ErrKeyNotFound
	}
	return rec, nil
}
