package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record entry types. Every record appended to the replicated log carries
// one of these in its entry_type field so that recovery replay can
// dispatch without knowing the body shape up front.
const (
	RecordServerEnlisting = "ServerEnlisting"
	RecordServerEnlisted  = "ServerEnlisted"
	RecordServerDown      = "ServerDown"
	RecordServerUpdate    = "ServerUpdate"
)

var ErrMalformedRecord = errors.New("malformed durable-log record")

// ServerInformation is the body of ServerEnlisting and ServerEnlisted
// records.
type ServerInformation struct {
	EntryType      string
	ServerId       uint64
	ServiceMask    uint32
	ReadSpeed      uint32
	ServiceLocator string
}

func (r *ServerInformation) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.EntryType)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ServerId)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ServiceMask))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ReadSpeed))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, r.ServiceLocator)
	return b, nil
}

func (r *ServerInformation) UnmarshalBinary(data []byte) error {
	*r = ServerInformation{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.EntryType = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.ServerId = v
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.ServiceMask = uint32(v)
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.ReadSpeed = uint32(v)
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.ServiceLocator = v
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

// ServerDownRecord is the body of ServerDown records.
type ServerDownRecord struct {
	EntryType string
	ServerId  uint64
}

func (r *ServerDownRecord) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.EntryType)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ServerId)
	return b, nil
}

func (r *ServerDownRecord) UnmarshalBinary(data []byte) error {
	*r = ServerDownRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.EntryType = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.ServerId = v
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

// ServerUpdateRecord is the body of ServerUpdate records; successive
// updates for the same server supersede one another in the log.
type ServerUpdateRecord struct {
	EntryType          string
	ServerId           uint64
	MasterRecoveryInfo []byte
}

func (r *ServerUpdateRecord) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.EntryType)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.ServerId)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, r.MasterRecoveryInfo)
	return b, nil
}

func (r *ServerUpdateRecord) UnmarshalBinary(data []byte) error {
	*r = ServerUpdateRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.EntryType = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.ServerId = v
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.MasterRecoveryInfo = append([]byte(nil), v...)
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

// RecordType decodes just the entry_type field of a record so that replay
// can dispatch to the right handler before decoding the full body.
func RecordType(data []byte) (string, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			return v, nil
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		data = data[n:]
	}
	return "", ErrMalformedRecord
}
