package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// UpdateAck is the response to an UpdateServerList call; the target echoes
// the version it now holds.
type UpdateAck struct {
	CurrentVersion uint64
}

func (a *UpdateAck) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, a.CurrentVersion)
	return b, nil
}

func (a *UpdateAck) UnmarshalBinary(data []byte) error {
	*a = UpdateAck{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			a.CurrentVersion = v
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}

// GetServerListRequest asks the coordinator for a snapshot of every server
// offering at least one of the requested services.
type GetServerListRequest struct {
	Services uint32
}

func (r *GetServerListRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Services))
	return b, nil
}

func (r *GetServerListRequest) UnmarshalBinary(data []byte) error {
	*r = GetServerListRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Services = uint32(v)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}
