// Package wire defines the messages exchanged between the coordinator and
// the rest of the cluster, along with the records the coordinator appends
// to its replicated log. Messages use the protobuf binary wire format with
// fixed field numbers so that the encoding stays compatible with peers
// built from the shared protocol definition; the codecs are written
// against encoding/protowire directly rather than generated.
package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ServerListType distinguishes full snapshots from incremental updates.
type ServerListType uint32

const (
	TypeFullList ServerListType = 0
	TypeUpdate   ServerListType = 1
)

// ServerListEntry is the projection of one server that gets disseminated
// to the cluster.
//
// UserData is never set by the coordinator; masters use it locally to
// track per-backup load (see cluster.BackupLoad).
type ServerListEntry struct {
	Services                 uint32
	ServerId                 uint64
	ServiceLocator           string
	Status                   uint32
	ExpectedReadMBytesPerSec uint32
	ReplicationId            uint64
	UserData                 uint64
}

// ServerList is a versioned membership publication, either a full snapshot
// or an incremental delta. The order of Servers is part of the contract:
// receivers apply entries positionally, so a removal of an old server id
// must appear before the addition of the server replacing it.
type ServerList struct {
	Servers       []*ServerListEntry
	VersionNumber uint64
	Type          ServerListType
}

func (e *ServerListEntry) MarshalBinary() ([]byte, error) {
	return e.appendTo(nil), nil
}

func (e *ServerListEntry) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Services))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ServerId)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, e.ServiceLocator)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Status))
	// The read-speed field is emitted even when zero; receivers depend on
	// its presence for every entry.
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ExpectedReadMBytesPerSec))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ReplicationId)
	if e.UserData != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, e.UserData)
	}
	return b
}

func (e *ServerListEntry) UnmarshalBinary(data []byte) error {
	*e = ServerListEntry{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Services = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ServerId = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ServiceLocator = v
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Status = uint32(v)
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ExpectedReadMBytesPerSec = uint32(v)
			data = data[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.ReplicationId = v
			data = data[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.UserData = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func (l *ServerList) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, e := range l.Servers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e.appendTo(nil))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, l.VersionNumber)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Type))
	return b, nil
}

func (l *ServerList) UnmarshalBinary(data []byte) error {
	*l = ServerList{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			entry := &ServerListEntry{}
			if err := entry.UnmarshalBinary(v); err != nil {
				return err
			}
			l.Servers = append(l.Servers, entry)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.VersionNumber = v
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.Type = ServerListType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// Clone returns a deep copy of the list.
func (l *ServerList) Clone() *ServerList {
	out := &ServerList{
		VersionNumber: l.VersionNumber,
		Type:          l.Type,
	}
	if l.Servers != nil {
		out.Servers = make([]*ServerListEntry, len(l.Servers))
		for i, e := range l.Servers {
			cp := *e
			out.Servers[i] = &cp
		}
	}
	return out
}
