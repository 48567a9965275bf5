package serverlist

import (
	"context"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/utils/latestonlychannel"
)

// watchTracker feeds full-list snapshots into a watch channel. Both hooks
// run under the List's lock; the publish is non-blocking with
// drop-oldest semantics so a stalled watcher can never hold up a mutator.
type watchTracker struct {
	list *List
	ch   chan *wire.ServerList
}

func (t *watchTracker) EnqueueChange(entry Entry, event ServerChangeEvent) {}

func (t *watchTracker) FireCallback() {
	t.publish(t.list.serializeLocked(watchMask))
}

func (t *watchTracker) publish(snap *wire.ServerList) {
	for {
		select {
		case t.ch <- snap:
			return
		default:
			select {
			case <-t.ch:
			default:
			}
		}
	}
}

var watchMask = cluster.NewServiceMask(
	cluster.MasterService,
	cluster.BackupService,
	cluster.MembershipService,
	cluster.PingService,
)

// Watch returns a channel of full-list snapshots, starting with the
// current membership and then one per change until the context is
// cancelled. Slow consumers only ever observe the newest snapshot; the
// channel is closed when the watch ends.
func (l *List) Watch(ctx context.Context) <-chan *wire.ServerList {
	inputCh := make(chan *wire.ServerList, 1)
	tracker := &watchTracker{
		list: l,
		ch:   inputCh,
	}

	l.mu.Lock()
	snap := l.serializeLocked(watchMask)
	l.trackers = append(l.trackers, tracker)
	l.mu.Unlock()

	tracker.publish(snap)

	go func() {
		<-ctx.Done()
		l.UnregisterTracker(tracker)
		close(inputCh)
	}()

	return latestonlychannel.Wrap(inputCh)
}
