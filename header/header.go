/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package header encodes and decodes the three fixed on-wire frame headers
// exchanged over the shared-memory wires: request, response, and
// length-only. All fields are little-endian with no padding between them.
package header

import "encoding/binary"

// NotUsed is the idx sentinel meaning "no response-box slot", also used as
// the client disconnect marker on the request wire.
const NotUsed uint16 = 0xFFFF

// EndOfStream is the msg_type sentinel meaning "no response" / end of the
// response stream.
const EndOfStream uint16 = 0

// Request is the 6-byte header fronting every request-wire frame.
type Request struct {
	Idx    uint16
	Length uint32
}

// RequestSize is the encoded byte width of a Request header.
const RequestSize = 2 + 4

// Encode writes r into buf[:RequestSize]. buf must be at least RequestSize
// bytes.
func (r Request) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], r.Idx)
	binary.LittleEndian.PutUint32(buf[2:6], r.Length)
}

// DecodeRequest reads a Request header from buf[:RequestSize].
func DecodeRequest(buf []byte) Request {
	return Request{
		Idx:    binary.LittleEndian.Uint16(buf[0:2]),
		Length: binary.LittleEndian.Uint32(buf[2:6]),
	}
}

// Disconnect is true when this header is the client-disconnect sentinel:
// idx == NotUsed and a zero payload length.
func (r Request) Disconnect() bool { return r.Idx == NotUsed && r.Length == 0 }

// Response is the 8-byte header fronting every response-wire frame.
type Response struct {
	Idx     uint16
	MsgType uint16
	Length  uint32
}

// ResponseSize is the encoded byte width of a Response header.
const ResponseSize = 2 + 2 + 4

// Encode writes r into buf[:ResponseSize].
func (r Response) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], r.Idx)
	binary.LittleEndian.PutUint16(buf[2:4], r.MsgType)
	binary.LittleEndian.PutUint32(buf[4:8], r.Length)
}

// DecodeResponse reads a Response header from buf[:ResponseSize].
func DecodeResponse(buf []byte) Response {
	return Response{
		Idx:     binary.LittleEndian.Uint16(buf[0:2]),
		MsgType: binary.LittleEndian.Uint16(buf[2:4]),
		Length:  binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// EndOfStream reports whether this header signals end-of-response-stream.
func (r Response) EndOfStream() bool { return r.MsgType == EndOfStream }

// IsZero reports whether r is the all-zero header returned by a closed
// response wire's await.
func (r Response) IsZero() bool { return r.Idx == 0 && r.MsgType == 0 && r.Length == 0 }

// LengthOnly is the 4-byte header fronting result-set wire records.
type LengthOnly struct {
	Length uint32
}

// LengthOnlySize is the encoded byte width of a LengthOnly header.
const LengthOnlySize = 4

// Encode writes l into buf[:LengthOnlySize].
func (l LengthOnly) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], l.Length)
}

// DecodeLengthOnly reads a LengthOnly header from buf[:LengthOnlySize].
func DecodeLengthOnly(buf []byte) LengthOnly {
	return LengthOnly{Length: binary.LittleEndian.Uint32(buf[0:4])}
}

// EndOfRecord reports whether this header, once flushed with no payload,
// marks the end of a result-set record stream.
func (l LengthOnly) EndOfRecord() bool { return l.Length == 0 }

// Codec describes a frame header type: its encoded size, and how to
// encode/decode it against a flat byte slice. The ring package is
// parameterised over this so one ring implementation serves all three
// wire kinds.
type Codec[T any] interface {
	Size() int
	Encode(h T, buf []byte)
	Decode(buf []byte) T
}

// RequestCodec implements Codec[Request].
type RequestCodec struct{}

func (RequestCodec) Size() int                  { return RequestSize }
func (RequestCodec) Encode(h Request, buf []byte) { h.Encode(buf) }
func (RequestCodec) Decode(buf []byte) Request  { return DecodeRequest(buf) }

// ResponseCodec implements Codec[Response].
type ResponseCodec struct{}

func (ResponseCodec) Size() int                   { return ResponseSize }
func (ResponseCodec) Encode(h Response, buf []byte) { h.Encode(buf) }
func (ResponseCodec) Decode(buf []byte) Response  { return DecodeResponse(buf) }

// LengthOnlyCodec implements Codec[LengthOnly].
type LengthOnlyCodec struct{}

func (LengthOnlyCodec) Size() int                     { return LengthOnlySize }
func (LengthOnlyCodec) Encode(h LengthOnly, buf []byte) { h.Encode(buf) }
func (LengthOnlyCodec) Decode(buf []byte) LengthOnly  { return DecodeLengthOnly(buf) }
