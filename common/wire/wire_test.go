package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerListRoundTripPreservesRowOrder(t *testing.T) {
	// A delta that removes one occupant of a slot and adds its
	// replacement; the relative order of the rows is part of the
	// contract.
	in := &ServerList{
		Servers: []*ServerListEntry{
			{
				Services:       2,
				ServerId:       1,
				ServiceLocator: "b1:18072",
				Status:         2,
			},
			{
				Services:                 2,
				ServerId:                 1<<32 | 1,
				ServiceLocator:           "b1:18072",
				Status:                   0,
				ExpectedReadMBytesPerSec: 150,
				ReplicationId:            4,
			},
		},
		VersionNumber: 9,
		Type:          TypeUpdate,
	}

	data, err := in.MarshalBinary()
	require.NoError(t, err)

	var out ServerList
	require.NoError(t, out.UnmarshalBinary(data))

	assert.Equal(t, in.VersionNumber, out.VersionNumber)
	assert.Equal(t, in.Type, out.Type)
	require.Len(t, out.Servers, 2)
	assert.Equal(t, *in.Servers[0], *out.Servers[0])
	assert.Equal(t, *in.Servers[1], *out.Servers[1])
}

func TestServerListEntryReadSpeedAlwaysPresent(t *testing.T) {
	entry := &ServerListEntry{
		ServerId: 3,
	}

	data, err := entry.MarshalBinary()
	require.NoError(t, err)

	// Field 5 (expected_read_mbytes_per_sec) must be on the wire even
	// when zero; tag 5 varint = 0x28.
	assert.Contains(t, string(data), string([]byte{0x28, 0x00}))
}

func TestRecordTypeDispatch(t *testing.T) {
	records := []interface {
		MarshalBinary() ([]byte, error)
	}{
		&ServerInformation{EntryType: RecordServerEnlisting, ServerId: 1},
		&ServerInformation{EntryType: RecordServerEnlisted, ServerId: 1},
		&ServerDownRecord{EntryType: RecordServerDown, ServerId: 1},
		&ServerUpdateRecord{EntryType: RecordServerUpdate, ServerId: 1},
	}
	wantTypes := []string{
		RecordServerEnlisting,
		RecordServerEnlisted,
		RecordServerDown,
		RecordServerUpdate,
	}

	for i, record := range records {
		data, err := record.MarshalBinary()
		require.NoError(t, err)

		recordType, err := RecordType(data)
		require.NoError(t, err)
		assert.Equal(t, wantTypes[i], recordType)
	}
}

func TestServerUpdateRecordRoundTrip(t *testing.T) {
	in := &ServerUpdateRecord{
		EntryType:          RecordServerUpdate,
		ServerId:           7,
		MasterRecoveryInfo: []byte{0x01, 0x02, 0x00, 0xff},
	}

	data, err := in.MarshalBinary()
	require.NoError(t, err)

	var out ServerUpdateRecord
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, *in, out)
}

func TestRecordTypeOnGarbage(t *testing.T) {
	_, err := RecordType([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
