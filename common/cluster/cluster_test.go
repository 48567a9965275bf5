package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerIdComposition(t *testing.T) {
	id := NewServerId(12, 7)
	assert.Equal(t, uint32(12), id.Index())
	assert.Equal(t, uint32(7), id.Generation())
	assert.Equal(t, "12.7", id.String())
	assert.True(t, id.Valid())

	// Same index, different generation: different server.
	assert.NotEqual(t, id, NewServerId(12, 8))

	assert.False(t, InvalidServerId.Valid())
	assert.False(t, NewServerId(0, 3).Valid())
}

func TestServiceMask(t *testing.T) {
	m := NewServiceMask(MasterService, MembershipService)
	assert.True(t, m.Has(MasterService))
	assert.True(t, m.Has(MembershipService))
	assert.False(t, m.Has(BackupService))
	assert.Equal(t, "MASTER|MEMBERSHIP", m.String())

	assert.True(t, m.Intersects(NewServiceMask(MasterService, BackupService)))
	assert.False(t, m.Intersects(NewServiceMask(BackupService)))

	assert.Equal(t, m, DeserializeServiceMask(m.Serialize()))
	assert.Equal(t, "NONE", ServiceMask(0).String())
}

func TestBackupLoadPacking(t *testing.T) {
	load := BackupLoad{BandwidthMBps: 250, NumSegments: 17}
	assert.Equal(t, load, BackupLoadFromUserData(load.UserData()))

	// Bandwidth lives in the low word, the segment count in the high one.
	assert.Equal(t, uint64(17)<<32|250, load.UserData())
}

func TestBackupLoadExpectedReadMs(t *testing.T) {
	// 10 segments on disk plus the new one, 8 MB each, at 100 MB/s.
	load := BackupLoad{BandwidthMBps: 100, NumSegments: 10}
	assert.Equal(t, uint32(11*8*1000/100), load.ExpectedReadMs())

	// Unmeasured bandwidth defaults to 100 MB/s.
	unmeasured := BackupLoad{NumSegments: 10}
	assert.Equal(t, load.ExpectedReadMs(), unmeasured.ExpectedReadMs())

	// A bandwidth of exactly 1 pins the estimate to 1 ms.
	sentinel := BackupLoad{BandwidthMBps: 1, NumSegments: 1000}
	assert.Equal(t, uint32(1), sentinel.ExpectedReadMs())
}
