package codec

import (
	"github.com/syujy/ikesess/internal/ike/types"
)

// FragmentBuffer collects the fragments of one inbound message (RFC 7383
// Section 2.6). One buffer exists per direction of an IKE SA.
type FragmentBuffer struct {
	messageID   uint32
	total       uint16
	first       types.PayloadType
	fragments   map[uint16][]byte
	firstPacket []byte
}

func (b *FragmentBuffer) Reset() {
	b.total = 0
	b.first = types.NoNext
	b.fragments = nil
	b.firstPacket = nil
}

// Collecting reports whether some fragments are already buffered.
func (b *FragmentBuffer) Collecting() bool {
	return len(b.fragments) > 0
}

func (b *FragmentBuffer) add(messageID uint32, number, total uint16, next types.PayloadType, data, packet []byte) {
	switch {
	case b.fragments == nil || b.messageID != messageID || total > b.total:
		// A message with more fragments supersedes what was collected
		b.Reset()
		b.messageID = messageID
		b.total = total
		b.fragments = make(map[uint16][]byte)
	case total < b.total:
		return
	}
	if _, dup := b.fragments[number]; dup {
		return
	}
	b.fragments[number] = append([]byte(nil), data...)
	if number == 1 {
		b.first = next
		b.firstPacket = append([]byte(nil), packet...)
	}
}

func (b *FragmentBuffer) complete() bool {
	return b.total > 0 && len(b.fragments) == int(b.total)
}

func (b *FragmentBuffer) assemble() (types.PayloadType, []byte, []byte) {
	var body []byte
	for i := uint16(1); i <= b.total; i++ {
		body = append(body, b.fragments[i]...)
	}
	return b.first, body, b.firstPacket
}
