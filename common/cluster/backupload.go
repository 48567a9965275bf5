package cluster

// SegmentSizeMB is the size of one storage segment. Backup read-time
// estimates are computed in units of whole segments.
const SegmentSizeMB = 8

// BackupLoad packs and unpacks the 8-byte user_data word that masters use
// to track per-backup load. The low 32 bits hold the backup's disk
// bandwidth in MB/s; the high 32 bits hold the number of primary segments
// the master has already placed on it.
type BackupLoad struct {
	BandwidthMBps uint32
	NumSegments   uint32
}

func BackupLoadFromUserData(userData uint64) BackupLoad {
	return BackupLoad{
		BandwidthMBps: uint32(userData & 0xffffffff),
		NumSegments:   uint32(userData >> 32),
	}
}

func (l BackupLoad) UserData() uint64 {
	return uint64(l.NumSegments)<<32 | uint64(l.BandwidthMBps)
}

// ExpectedReadMs returns the expected number of milliseconds the backup
// would take to read all of the primary segments placed on it so far plus
// one more. A zero bandwidth means the value was never measured and is
// taken as 100 MB/s; a bandwidth of exactly 1 is a sentinel that forces a
// 1 ms result.
func (l BackupLoad) ExpectedReadMs() uint32 {
	bandwidth := l.BandwidthMBps
	if bandwidth == 0 {
		bandwidth = 100
	}
	if bandwidth == 1 {
		return 1
	}
	return uint32(uint64(l.NumSegments+1) * 1000 * SegmentSizeMB / uint64(bandwidth))
}
