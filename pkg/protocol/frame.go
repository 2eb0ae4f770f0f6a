package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	// ErrEmptyBuffer indicates a receive buffer with no JSON object in it.
	ErrEmptyBuffer = errors.New("empty receive buffer")
)

// SplitFrames splits a receive buffer into individual JSON object literals.
//
// The wire carries no delimiter: a buffer may hold zero, one, or several
// concatenated objects. The boundary is the closing brace of one object
// immediately followed by the opening brace of the next, with an optional
// newline in between. The consumed braces are re-added to each side.
//
// An object split across two reads is not reassembled; its halves will fail
// to decode and be skipped. That is a known limitation of the framing rule,
// kept deliberately.
func SplitFrames(buf []byte) [][]byte {
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 {
		return nil
	}

	var pieces [][]byte
	start := 0
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] != '}' {
			continue
		}
		j := i + 1
		for j < len(buf) && (buf[j] == '\n' || buf[j] == '\r') {
			j++
		}
		if j < len(buf) && buf[j] == '{' {
			pieces = append(pieces, buf[start:i+1])
			start = j
			i = j - 1
		}
	}
	pieces = append(pieces, buf[start:])
	return pieces
}

// DecodeBatch splits a receive buffer and decodes each piece into a
// ClientState. A piece that fails to decode is skipped, not fatal to the
// batch; the number of skipped pieces is returned alongside the decoded
// messages, in wire order.
func DecodeBatch(buf []byte) ([]ClientState, int) {
	pieces := SplitFrames(buf)

	states := make([]ClientState, 0, len(pieces))
	failed := 0
	for _, piece := range pieces {
		state, err := DecodeClientState(piece)
		if err != nil {
			failed++
			continue
		}
		states = append(states, state)
	}
	return states, failed
}

// DecodeClientState decodes one JSON object onto a default-valued ClientState.
// Fields present in the payload overwrite the defaults; absent fields keep
// them; unknown fields are ignored.
func DecodeClientState(data []byte) (ClientState, error) {
	state := DefaultClientState()
	if len(bytes.TrimSpace(data)) == 0 {
		return state, ErrEmptyBuffer
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return DefaultClientState(), err
	}
	return state, nil
}

// DefaultClientState returns the record every inbound payload is applied onto.
// An untyped payload is treated as a plain state update.
func DefaultClientState() ClientState {
	return ClientState{Type: ImsgDefault}
}

// EncodeControl serializes a one-shot control message.
func EncodeControl(msgType MessageType, msg string) ([]byte, error) {
	return json.Marshal(ControlMessage{Type: msgType, Msg: msg})
}

// EncodeSnapshot serializes a periodic snapshot, forcing the OmsgDefault tag.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	snap.Type = OmsgDefault
	if snap.Clients == nil {
		snap.Clients = []CompactClient{}
	}
	if snap.Msgs == nil {
		snap.Msgs = []ChatMessage{}
	}
	return json.Marshal(snap)
}
