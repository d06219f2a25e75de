package greylist

import (
	"github.com/tinylib/msgp/msgp"
)

// MessagePack encoding for persisted store records. Encoded as maps
// keyed by short field names so fields can be added without breaking
// old snapshots.

// MarshalMsg appends the MessagePack encoding of the entry to b.
func (e *Entry) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 7)
	b = msgp.AppendString(b, "s")
	b = msgp.AppendString(b, e.Sender)
	b = msgp.AppendString(b, "r")
	b = msgp.AppendString(b, e.Recipient)
	b = msgp.AppendString(b, "ip")
	b = msgp.AppendString(b, e.ClientIP)
	b = msgp.AppendString(b, "fs")
	b = msgp.AppendTime(b, e.FirstSeen)
	b = msgp.AppendString(b, "ls")
	b = msgp.AppendTime(b, e.LastSeen)
	b = msgp.AppendString(b, "n")
	b = msgp.AppendUint32(b, e.Attempts)
	b = msgp.AppendString(b, "st")
	b = msgp.AppendInt(b, int(e.Status))
	return b, nil
}

// UnmarshalMsg decodes an entry from b, returning the remaining bytes.
func (e *Entry) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch msgp.UnsafeString(field) {
		case "s":
			e.Sender, b, err = msgp.ReadStringBytes(b)
		case "r":
			e.Recipient, b, err = msgp.ReadStringBytes(b)
		case "ip":
			e.ClientIP, b, err = msgp.ReadStringBytes(b)
		case "fs":
			e.FirstSeen, b, err = msgp.ReadTimeBytes(b)
		case "ls":
			e.LastSeen, b, err = msgp.ReadTimeBytes(b)
		case "n":
			e.Attempts, b, err = msgp.ReadUint32Bytes(b)
		case "st":
			var v int
			v, b, err = msgp.ReadIntBytes(b)
			e.Status = Status(v)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// MarshalMsg appends the MessagePack encoding of the list entry to b.
func (e *ListEntry) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "p")
	b = msgp.AppendString(b, e.Pattern)
	b = msgp.AppendString(b, "at")
	b = msgp.AppendTime(b, e.AddedAt)
	b = msgp.AppendString(b, "ex")
	b = msgp.AppendTime(b, e.ExpiresAt)
	b = msgp.AppendString(b, "why")
	b = msgp.AppendString(b, e.Reason)
	return b, nil
}

// UnmarshalMsg decodes a list entry from b, returning the remainder.
func (e *ListEntry) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch msgp.UnsafeString(field) {
		case "p":
			e.Pattern, b, err = msgp.ReadStringBytes(b)
		case "at":
			e.AddedAt, b, err = msgp.ReadTimeBytes(b)
		case "ex":
			e.ExpiresAt, b, err = msgp.ReadTimeBytes(b)
		case "why":
			e.Reason, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}
