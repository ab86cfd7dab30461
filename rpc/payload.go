package rpc

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/TheWaWaR/subotai/id"
	"github.com/TheWaWaR/subotai/routing"
	"github.com/TheWaWaR/subotai/store"
)

const (
	addrFamilyV4 = 1
	addrFamilyV6 = 2
)

// encodeContact appends id(20) | addr_family(1) | addr(4 or 16) |
// port(2) for c to buf, returning the extended slice.
func encodeContact(buf []byte, c routing.Contact) ([]byte, error) {
	udp, ok := c.Addr.(*net.UDPAddr)
	if !ok {
		return nil, ErrFrameMalformed
	}
	buf = append(buf, c.ID[:]...)
	if ip4 := udp.IP.To4(); ip4 != nil {
		buf = append(buf, addrFamilyV4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, addrFamilyV6)
		buf = append(buf, udp.IP.To16()...)
	}
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, uint16(udp.Port))
	return append(buf, port...), nil
}

// decodeContact reads one contact starting at buf[off], returning the
// contact and the offset just past it.
func decodeContact(buf []byte, off int) (routing.Contact, int, error) {
	if len(buf) < off+id.Length+1 {
		return routing.Contact{}, 0, ErrFrameMalformed
	}
	var cid id.ID
	copy(cid[:], buf[off:off+id.Length])
	off += id.Length

	family := buf[off]
	off++
	var ipLen int
	switch family {
	case addrFamilyV4:
		ipLen = 4
	case addrFamilyV6:
		ipLen = 16
	default:
		return routing.Contact{}, 0, ErrFrameMalformed
	}
	if len(buf) < off+ipLen+2 {
		return routing.Contact{}, 0, ErrFrameMalformed
	}
	ip := make(net.IP, ipLen)
	copy(ip, buf[off:off+ipLen])
	off += ipLen
	port := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2

	return routing.Contact{ID: cid, Addr: &net.UDPAddr{IP: ip, Port: int(port)}}, off, nil
}

// encodeContactList encodes count(1) followed by each contact, capped
// at 255 contacts (the count field is a single byte, well above K).
func encodeContactList(contacts []routing.Contact) ([]byte, error) {
	if len(contacts) > 0xFF {
		contacts = contacts[:0xFF]
	}
	buf := []byte{byte(len(contacts))}
	var err error
	for _, c := range contacts {
		buf, err = encodeContact(buf, c)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// decodeContactList parses a count-prefixed contact list.
func decodeContactList(buf []byte) ([]routing.Contact, error) {
	if len(buf) < 1 {
		return nil, ErrFrameMalformed
	}
	count := int(buf[0])
	off := 1
	contacts := make([]routing.Contact, 0, count)
	for i := 0; i < count; i++ {
		c, next, err := decodeContact(buf, off)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
		off = next
	}
	return contacts, nil
}

// encodeTargetOrKey encodes the bare 20-byte payload shared by
// FIND_NODE, FIND_VALUE, and the target-carrying request kinds.
func encodeTargetOrKey(target id.ID) []byte {
	out := make([]byte, id.Length)
	copy(out, target[:])
	return out
}

func decodeTargetOrKey(buf []byte) (id.ID, error) {
	if len(buf) != id.Length {
		return id.ID{}, ErrFrameMalformed
	}
	var out id.ID
	copy(out[:], buf)
	return out, nil
}

// encodeStoreRequest encodes key(20) | variant(1) | entry_len(2) |
// entry_bytes | expiration_delta_secs(4).
func encodeStoreRequest(key id.ID, e store.Entry, now timeNow) ([]byte, error) {
	if len(e.Payload) > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	deltaSecs := uint32(e.Expiration.Sub(now()).Seconds())
	buf := make([]byte, 0, id.Length+1+2+len(e.Payload)+4)
	buf = append(buf, key[:]...)
	buf = append(buf, byte(e.Variant))
	lenField := make([]byte, 2)
	binary.BigEndian.PutUint16(lenField, uint16(len(e.Payload)))
	buf = append(buf, lenField...)
	buf = append(buf, e.Payload...)
	deltaField := make([]byte, 4)
	binary.BigEndian.PutUint32(deltaField, deltaSecs)
	buf = append(buf, deltaField...)
	return buf, nil
}

func decodeStoreRequest(buf []byte, now timeNow) (id.ID, store.Entry, error) {
	if len(buf) < id.Length+1+2 {
		return id.ID{}, store.Entry{}, ErrFrameMalformed
	}
	var key id.ID
	copy(key[:], buf[0:id.Length])
	off := id.Length
	variant := store.Variant(buf[off])
	off++
	payloadLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+payloadLen+4 {
		return id.ID{}, store.Entry{}, ErrFrameMalformed
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[off:off+payloadLen])
	off += payloadLen
	deltaSecs := binary.BigEndian.Uint32(buf[off : off+4])

	e := store.Entry{
		Variant:    variant,
		Payload:    payload,
		Expiration: now().Add(secondsToDuration(deltaSecs)),
	}
	return key, e, nil
}

type timeNow func() time.Time

func secondsToDuration(s uint32) time.Duration { return time.Duration(s) * time.Second }

// encodeStoreResponse encodes status(1): 0 = ok, 1 = rejected.
func encodeStoreResponse(ok bool) []byte {
	if ok {
		return []byte{0}
	}
	return []byte{1}
}

func decodeStoreResponse(buf []byte) (bool, error) {
	if len(buf) != 1 {
		return false, ErrFrameMalformed
	}
	return buf[0] == 0, nil
}

// FindValueResult is the decoded payload of a FIND_VALUE_RSP: either
// a set of entries (tag 1) or a set of nodes to continue the lookup
// against (tag 0).
type FindValueResult struct {
	Entries []store.Entry
	Nodes   []routing.Contact
}

func encodeFindValueEntries(entries []store.Entry, now timeNow) ([]byte, error) {
	buf := []byte{1, byte(len(entries))}
	for _, e := range entries {
		if len(e.Payload) > 0xFFFF {
			return nil, ErrFrameTooLarge
		}
		buf = append(buf, byte(e.Variant))
		lenField := make([]byte, 2)
		binary.BigEndian.PutUint16(lenField, uint16(len(e.Payload)))
		buf = append(buf, lenField...)
		buf = append(buf, e.Payload...)
		deltaField := make([]byte, 4)
		binary.BigEndian.PutUint32(deltaField, uint32(e.Expiration.Sub(now()).Seconds()))
		buf = append(buf, deltaField...)
	}
	return buf, nil
}

func encodeFindValueNodes(nodes []routing.Contact) ([]byte, error) {
	list, err := encodeContactList(nodes)
	if err != nil {
		return nil, err
	}
	return append([]byte{0}, list...), nil
}

func decodeFindValueResponse(buf []byte, now timeNow) (FindValueResult, error) {
	if len(buf) < 1 {
		return FindValueResult{}, ErrFrameMalformed
	}
	tag := buf[0]
	rest := buf[1:]
	if tag == 0 {
		nodes, err := decodeContactList(rest)
		if err != nil {
			return FindValueResult{}, err
		}
		return FindValueResult{Nodes: nodes}, nil
	}
	if len(rest) < 1 {
		return FindValueResult{}, ErrFrameMalformed
	}
	count := int(rest[0])
	off := 1
	entries := make([]store.Entry, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < off+1+2 {
			return FindValueResult{}, ErrFrameMalformed
		}
		variant := store.Variant(rest[off])
		off++
		payloadLen := int(binary.BigEndian.Uint16(rest[off : off+2]))
		off += 2
		if len(rest) < off+payloadLen+4 {
			return FindValueResult{}, ErrFrameMalformed
		}
		payload := make([]byte, payloadLen)
		copy(payload, rest[off:off+payloadLen])
		off += payloadLen
		deltaSecs := binary.BigEndian.Uint32(rest[off : off+4])
		off += 4
		entries = append(entries, store.Entry{
			Variant:    variant,
			Payload:    payload,
			Expiration: now().Add(secondsToDuration(deltaSecs)),
		})
	}
	return FindValueResult{Entries: entries}, nil
}
