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

// Command dbshmabi is the cgo export shim for the C-ABI surface of
// spec.md §6: a thin //export wrapper per function, converting C types at
// the boundary and delegating everything else to package abi. Build with
// -buildmode=c-shared (or c-archive) to produce a library bindings in
// other languages can link against; cgo only honours //export inside
// package main.
//
// Every handle is a uint64_t; -1 (on the signed return types) or 0 (on the
// handle-returning ones) means failure, matching the "slot_or_minus_one"
// convention spec.md §6 names explicitly for session_await.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/shmipc-go/dbshm/abi"
	"github.com/shmipc-go/dbshm/session"
)

func main() {}

const invalidHandle = C.uint64_t(0)

//export session_open
func session_open(name *C.char) C.uint64_t {
	h, err := abi.SessionOpen(C.GoString(name), session.DefaultOptions())
	if err != nil {
		return invalidHandle
	}
	return C.uint64_t(h)
}

//export session_close
func session_close(handle C.uint64_t) C.int {
	if err := abi.SessionClose(abi.Handle(handle)); err != nil {
		return -1
	}
	return 0
}

//export session_destroy
func session_destroy(handle C.uint64_t) C.int {
	if err := abi.SessionDestroy(abi.Handle(handle)); err != nil {
		return -1
	}
	return 0
}

//export session_get_slot
func session_get_slot(handle C.uint64_t) C.uint64_t {
	slot, err := abi.SessionGetSlot(abi.Handle(handle))
	if err != nil {
		return invalidHandle
	}
	return C.uint64_t(slot)
}

//export session_send
func session_send(handle, slot C.uint64_t, data *C.char, dataLen C.int) C.int {
	buf := C.GoBytes(unsafe.Pointer(data), dataLen)
	if err := abi.SessionSend(abi.Handle(handle), abi.Handle(slot), buf); err != nil {
		return -1
	}
	return 0
}

//export session_set_query_mode
func session_set_query_mode(slot C.uint64_t) C.int {
	if err := abi.SessionSetQueryMode(abi.Handle(slot)); err != nil {
		return -1
	}
	return 0
}

//export session_await
func session_await(handle C.uint64_t, timeoutNs C.int64_t) C.int64_t {
	slot, ok, err := abi.SessionAwait(abi.Handle(handle), time.Duration(timeoutNs))
	if err != nil || !ok {
		return -1
	}
	return C.int64_t(slot)
}

//export session_get_info
func session_get_info(handle C.uint64_t) C.int {
	msgType, err := abi.SessionGetInfo(abi.Handle(handle))
	if err != nil {
		return -1
	}
	return C.int(msgType)
}

//export session_receive
func session_receive(handle C.uint64_t, out *C.char, outCap C.int) C.int {
	payload, err := abi.SessionReceive(abi.Handle(handle))
	if err != nil || len(payload) > int(outCap) {
		return -1
	}
	if len(payload) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(out)), outCap), payload)
	}
	return C.int(len(payload))
}

//export session_is_alive
func session_is_alive(handle C.uint64_t) C.int {
	alive, err := abi.SessionIsAlive(abi.Handle(handle))
	if err != nil || !alive {
		return 0
	}
	return 1
}

//export slot_recv
func slot_recv(slot C.uint64_t, timeoutNs C.int64_t, out *C.char, outCap C.int) C.int {
	payload, err := abi.SlotRecv(abi.Handle(slot), time.Duration(timeoutNs))
	if err != nil || len(payload) > int(outCap) {
		return -1
	}
	if len(payload) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(out)), outCap), payload)
	}
	return C.int(len(payload))
}

//export slot_unreceive
func slot_unreceive(slot C.uint64_t) C.int {
	if err := abi.SlotUnreceive(abi.Handle(slot)); err != nil {
		return -1
	}
	return 0
}

//export slot_dispose
func slot_dispose(slot C.uint64_t) C.int {
	if err := abi.SlotDispose(abi.Handle(slot)); err != nil {
		return -1
	}
	return 0
}

//export rs_create
func rs_create(sessionHandle C.uint64_t, name *C.char) C.uint64_t {
	rs, err := abi.RSCreate(abi.Handle(sessionHandle), C.GoString(name))
	if err != nil {
		return invalidHandle
	}
	return C.uint64_t(rs)
}

//export rs_get_chunk
func rs_get_chunk(rs C.uint64_t, out *C.char, outCap C.int) C.int {
	chunk, err := abi.RSGetChunk(abi.Handle(rs))
	if err != nil {
		return -1
	}
	if chunk == nil {
		return 0
	}
	if len(chunk) > int(outCap) {
		return -1
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(out)), outCap), chunk)
	return C.int(len(chunk))
}

//export rs_dispose_used
func rs_dispose_used(rs C.uint64_t, n C.int) C.int {
	if err := abi.RSDisposeUsed(abi.Handle(rs), int(n)); err != nil {
		return -1
	}
	return 0
}

//export rs_is_eor
func rs_is_eor(rs C.uint64_t) C.int {
	eor, err := abi.RSIsEOR(abi.Handle(rs))
	if err != nil {
		return -1
	}
	if eor {
		return 1
	}
	return 0
}

//export rs_close
func rs_close(rs C.uint64_t) C.int {
	if err := abi.RSClose(abi.Handle(rs)); err != nil {
		return -1
	}
	return 0
}

//export conn_open
func conn_open(name *C.char) C.uint64_t {
	return C.uint64_t(abi.ConnOpen(C.GoString(name)))
}

//export conn_request
func conn_request(conn C.uint64_t) C.int64_t {
	ticket, err := abi.ConnRequest(abi.Handle(conn))
	if err != nil {
		return -1
	}
	return C.int64_t(ticket)
}

//export conn_check
func conn_check(conn C.uint64_t, ticket C.int64_t) C.int {
	ok, err := abi.ConnCheck(abi.Handle(conn), int(ticket))
	if err != nil {
		return -1
	}
	if ok {
		return 1
	}
	return 0
}

//export conn_wait
func conn_wait(conn C.uint64_t, ticket, timeoutNs C.int64_t) C.int64_t {
	sessionID, err := abi.ConnWait(abi.Handle(conn), int(ticket), time.Duration(timeoutNs))
	if err != nil {
		return -1
	}
	return C.int64_t(sessionID)
}

//export conn_close
func conn_close(conn C.uint64_t) C.int {
	if err := abi.ConnClose(abi.Handle(conn)); err != nil {
		return -1
	}
	return 0
}
