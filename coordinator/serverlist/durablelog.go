package serverlist

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

// DurableLogAdapter couples the record bodies in common/wire to the
// replicated log. It is the only place record bodies are constructed, so
// the invalidation pairings (Enlisting superseded by Enlisted, successive
// ServerUpdates superseding one another) live here rather than being
// spread across the List's mutators.
type DurableLogAdapter struct {
	log goreplog.Log
}

func NewDurableLogAdapter(log goreplog.Log) *DurableLogAdapter {
	return &DurableLogAdapter{
		log: log,
	}
}

func (a *DurableLogAdapter) appendRecord(ctx context.Context, record interface {
	MarshalBinary() ([]byte, error)
}, invalidates []goreplog.EntryId) (goreplog.EntryId, error) {
	data, err := record.MarshalBinary()
	if err != nil {
		return 0, err
	}

	return a.log.Append(ctx, data, invalidates)
}

func (a *DurableLogAdapter) AppendServerEnlisting(
	ctx context.Context,
	serverId cluster.ServerId,
	services cluster.ServiceMask,
	readSpeed uint32,
	serviceLocator string,
) (goreplog.EntryId, error) {
	entryId, err := a.appendRecord(ctx, &wire.ServerInformation{
		EntryType:      wire.RecordServerEnlisting,
		ServerId:       uint64(serverId),
		ServiceMask:    services.Serialize(),
		ReadSpeed:      readSpeed,
		ServiceLocator: serviceLocator,
	}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to append ServerEnlisting record")
	}

	return entryId, nil
}

// AppendServerEnlisted records that an enlistment completed; the record
// supersedes the ServerEnlisting record that opened it.
func (a *DurableLogAdapter) AppendServerEnlisted(
	ctx context.Context,
	serverId cluster.ServerId,
	services cluster.ServiceMask,
	readSpeed uint32,
	serviceLocator string,
	enlistingId goreplog.EntryId,
) (goreplog.EntryId, error) {
	entryId, err := a.appendRecord(ctx, &wire.ServerInformation{
		EntryType:      wire.RecordServerEnlisted,
		ServerId:       uint64(serverId),
		ServiceMask:    services.Serialize(),
		ReadSpeed:      readSpeed,
		ServiceLocator: serviceLocator,
	}, []goreplog.EntryId{enlistingId})
	if err != nil {
		return 0, errors.Wrap(err, "failed to append ServerEnlisted record")
	}

	return entryId, nil
}

func (a *DurableLogAdapter) AppendServerDown(ctx context.Context, serverId cluster.ServerId) (goreplog.EntryId, error) {
	entryId, err := a.appendRecord(ctx, &wire.ServerDownRecord{
		EntryType: wire.RecordServerDown,
		ServerId:  uint64(serverId),
	}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to append ServerDown record")
	}

	return entryId, nil
}

// AppendServerUpdate records new master-recovery metadata for a server,
// superseding the server's prior ServerUpdate record if it has one.
func (a *DurableLogAdapter) AppendServerUpdate(
	ctx context.Context,
	serverId cluster.ServerId,
	masterRecoveryInfo []byte,
	priorId goreplog.EntryId,
) (goreplog.EntryId, error) {
	var invalidates []goreplog.EntryId
	if priorId != 0 {
		invalidates = append(invalidates, priorId)
	}

	entryId, err := a.appendRecord(ctx, &wire.ServerUpdateRecord{
		EntryType:          wire.RecordServerUpdate,
		ServerId:           uint64(serverId),
		MasterRecoveryInfo: masterRecoveryInfo,
	}, invalidates)
	if err != nil {
		return 0, errors.Wrap(err, "failed to append ServerUpdate record")
	}

	return entryId, nil
}

func (a *DurableLogAdapter) Invalidate(ctx context.Context, ids []goreplog.EntryId) error {
	err := a.log.Invalidate(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "failed to invalidate log records")
	}

	return nil
}

func (a *DurableLogAdapter) ReadAll(ctx context.Context) ([]goreplog.Entry, error) {
	entries, err := a.log.ReadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read the replicated log")
	}

	return entries, nil
}
