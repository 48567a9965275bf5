// Package backupselector picks the backups a master replicates each
// segment to. The primary is chosen by load (the least-loaded of a few
// random samples); secondaries are chosen randomly subject to a pairwise
// conflict predicate so a segment's replicas never share a failure
// domain.
package backupselector

import (
	"context"
	"errors"
	"math/rand"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
)

// primarySampleCount is how many random hosts are drawn when choosing a
// primary; the least loaded of them wins.
const primarySampleCount = 5

// ErrNoCoordinator is fatal: without a coordinator the replication
// requirements cannot be met.
var ErrNoCoordinator = errors.New("no coordinator configured, replication requirements can't be met")

// CoordinatorClient fetches the current list of backups.
type CoordinatorClient interface {
	GetBackupList(ctx context.Context) (*wire.ServerList, error)
}

type SelectorOptions struct {
	Logger      *zap.Logger
	Coordinator CoordinatorClient

	// Rand overrides the randomness source; nil means a time-seeded one.
	// Tests use this for determinism.
	Rand *rand.Rand
}

// Selector chooses backups for a master's segments. It is not safe for
// concurrent use; each replica manager owns its own Selector.
type Selector struct {
	logger      *zap.Logger
	coordinator CoordinatorClient
	rnd         *rand.Rand

	hosts        *wire.ServerList
	hostsOrder   []int
	numUsedHosts int
}

func NewSelector(opts SelectorOptions) *Selector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Selector{
		logger:      logger,
		coordinator: opts.Coordinator,
		rnd:         rnd,
	}
}

// Select chooses numBackups backups for a segment. The first entry of the
// result is the primary replica; the rest are secondaries, none of which
// conflict with any earlier choice. The returned entries point into the
// selector's cached host list, and the primary's load word is bumped to
// account for the new segment.
func (s *Selector) Select(ctx context.Context, numBackups int) ([]*wire.ServerListEntry, error) {
	if numBackups == 0 {
		return nil, nil
	}

	for s.hosts == nil || len(s.hosts.Servers) == 0 {
		err := s.refreshHostList(ctx)
		if err != nil {
			return nil, err
		}
	}

	backups := make([]*wire.ServerListEntry, numBackups)

	// The primary is the least loaded of a handful of random candidates.
	primary := s.getRandomHost()
	for i := 0; i < primarySampleCount-1; i++ {
		candidate := s.getRandomHost()
		if loadOf(primary).ExpectedReadMs() > loadOf(candidate).ExpectedReadMs() {
			primary = candidate
		}
	}

	load := loadOf(primary)
	s.logger.Debug("chose primary backup",
		zap.Uint32("numSegments", load.NumSegments),
		zap.Uint32("bandwidthMBps", load.BandwidthMBps),
		zap.Uint32("expectedReadMs", load.ExpectedReadMs()))

	load.NumSegments++
	primary.UserData = load.UserData()
	backups[0] = primary

	for i := 1; i < numBackups; i++ {
		additional, err := s.selectAdditional(ctx, backups[:i])
		if err != nil {
			return nil, err
		}
		backups[i] = additional
	}

	return backups, nil
}

// selectAdditional finds a random backup conflicting with none of the
// already chosen ones. If 2x the host count of samples all conflict, the
// constraints must be unsatisfiable with the current host list, so it is
// refreshed and the search starts over; the retry is unbounded.
func (s *Selector) selectAdditional(ctx context.Context, chosen []*wire.ServerListEntry) (*wire.ServerListEntry, error) {
	for {
		for i := 0; i < len(s.hosts.Servers)*2; i++ {
			host := s.getRandomHost()
			if !s.conflictWithAny(host, chosen) {
				return host, nil
			}
		}

		s.logger.Info("current list of backups is insufficient, refreshing")
		err := s.refreshHostList(ctx)
		if err != nil {
			return nil, err
		}
	}
}

// getRandomHost returns a uniformly random backup, with the guarantee
// that every backup is returned at least once in any 2N consecutive calls
// (N being the host count).
//
// Conceptually there is a candidate set and a used set: each call moves
// one random candidate into the used set and returns it, and when the
// candidates run out the round restarts. In practice hostsOrder holds a
// permutation of host indexes with the used ones packed at the front.
func (s *Selector) getRandomHost() *wire.ServerListEntry {
	if s.numUsedHosts >= len(s.hostsOrder) {
		s.numUsedHosts = 0
	}

	i := s.numUsedHosts
	s.numUsedHosts++

	j := i + s.rnd.Intn(len(s.hostsOrder)-i)
	s.hostsOrder[i], s.hostsOrder[j] = s.hostsOrder[j], s.hostsOrder[i]

	return s.hosts.Servers[s.hostsOrder[i]]
}

// conflict reports whether it is unwise to place a replica on backup a
// given that one exists on backup b. Today only identity conflicts; other
// notions (same rack, shared power source) slot in here. Identity is by
// server id so that entries chosen before a host-list refresh still
// conflict with their re-fetched selves.
func (s *Selector) conflict(a *wire.ServerListEntry, b *wire.ServerListEntry) bool {
	return a == b || a.ServerId == b.ServerId
}

func (s *Selector) conflictWithAny(a *wire.ServerListEntry, others []*wire.ServerListEntry) bool {
	for _, b := range others {
		if s.conflict(a, b) {
			return true
		}
	}
	return false
}

func (s *Selector) refreshHostList(ctx context.Context) error {
	if s.coordinator == nil {
		return ErrNoCoordinator
	}

	hosts, err := s.coordinator.GetBackupList(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to fetch the backup list from the coordinator")
	}

	// Refreshing forgets how many primaries were already placed on each
	// backup; the load estimates rebuild as segments get placed.
	s.hosts = hosts
	s.hostsOrder = make([]int, len(hosts.Servers))
	for i := range s.hostsOrder {
		s.hostsOrder[i] = i
	}
	s.numUsedHosts = 0

	return nil
}

func loadOf(host *wire.ServerListEntry) cluster.BackupLoad {
	return cluster.BackupLoadFromUserData(host.UserData)
}
