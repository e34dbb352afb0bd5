// Package codec implements the wire format of the realtime transport.
//
// Every frame is a UTF-8 JSON object carrying at least a "type" field:
//
//	{"type": "chat.message", "payload": {...}, "seq": 42}
//
// The payload schema belongs to the consumers registered with the dispatch
// registry; the codec only validates the envelope shape.
package codec
