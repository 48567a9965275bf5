// Package etcdreplog implements the goreplog.Log interface on top of an
// etcd cluster. Records live under <prefix>/entries/<id> with ids encoded
// as zero-padded hex so that lexical key order matches numeric id order;
// the next id to assign is held at <prefix>/next-id and advanced with a
// compare-and-swap transaction that also writes the record and deletes any
// invalidated entries, making the whole append atomic.
package etcdreplog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

type LogOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
}

type Log struct {
	etcdClient *etcd.Client
	keyPrefix  string
}

var _ goreplog.Log = (*Log)(nil)

func NewLog(opts LogOptions) (*Log, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client must be provided")
	}

	return &Log{
		etcdClient: opts.EtcdClient,
		keyPrefix:  opts.KeyPrefix,
	}, nil
}

func (l *Log) entriesPrefix() string {
	return l.keyPrefix + "/entries/"
}

func (l *Log) entryKey(id goreplog.EntryId) string {
	return fmt.Sprintf("%s%016x", l.entriesPrefix(), uint64(id))
}

func (l *Log) nextIdKey() string {
	return l.keyPrefix + "/next-id"
}

func (l *Log) Append(ctx context.Context, data []byte, invalidates []goreplog.EntryId) (goreplog.EntryId, error) {
	nextIdKey := l.nextIdKey()

	for {
		resp, err := l.etcdClient.KV.Get(ctx, nextIdKey)
		if err != nil {
			return 0, errors.Wrap(err, "failed to read next entry id")
		}

		nextId := uint64(1)
		var guard etcd.Cmp
		if len(resp.Kvs) == 0 {
			guard = etcd.Compare(etcd.CreateRevision(nextIdKey), "=", 0)
		} else {
			nextId, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, errors.Wrap(err, "corrupt next entry id")
			}
			guard = etcd.Compare(etcd.ModRevision(nextIdKey), "=", resp.Kvs[0].ModRevision)
		}

		ops := []etcd.Op{
			etcd.OpPut(l.entryKey(goreplog.EntryId(nextId)), string(data)),
			etcd.OpPut(nextIdKey, strconv.FormatUint(nextId+1, 10)),
		}
		for _, id := range invalidates {
			if id != 0 {
				ops = append(ops, etcd.OpDelete(l.entryKey(id)))
			}
		}

		txnResp, err := l.etcdClient.KV.Txn(ctx).If(guard).Then(ops...).Commit()
		if err != nil {
			return 0, errors.Wrap(err, "failed to append log entry")
		}

		if txnResp.Succeeded {
			return goreplog.EntryId(nextId), nil
		}

		// Another appender won the race; retry with the fresh id.
	}
}

func (l *Log) Read(ctx context.Context, id goreplog.EntryId) ([]byte, error) {
	resp, err := l.etcdClient.KV.Get(ctx, l.entryKey(id))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read log entry")
	}

	if len(resp.Kvs) == 0 {
		return nil, goreplog.ErrEntryNotFound
	}

	return resp.Kvs[0].Value, nil
}

func (l *Log) ReadAll(ctx context.Context) ([]goreplog.Entry, error) {
	resp, err := l.etcdClient.KV.Get(ctx, l.entriesPrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read log entries")
	}

	prefixLen := len(l.entriesPrefix())
	var entries []goreplog.Entry
	for _, kv := range resp.Kvs {
		id, err := strconv.ParseUint(string(kv.Key[prefixLen:]), 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt log entry key %q", kv.Key)
		}

		entries = append(entries, goreplog.Entry{
			Id:   goreplog.EntryId(id),
			Data: kv.Value,
		})
	}

	return entries, nil
}

func (l *Log) Invalidate(ctx context.Context, ids []goreplog.EntryId) error {
	var ops []etcd.Op
	for _, id := range ids {
		if id != 0 {
			ops = append(ops, etcd.OpDelete(l.entryKey(id)))
		}
	}
	if len(ops) == 0 {
		return nil
	}

	_, err := l.etcdClient.KV.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return errors.Wrap(err, "failed to invalidate log entries")
	}

	return nil
}
