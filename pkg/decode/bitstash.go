/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

package decode

import "github.com/valyala/bytebufferpool"

type stashRecord struct {
	kind BufferKind
	off  int
	n    int
	last bool
}

// BitStash accumulates the buffers rendered into one picture. Payloads are
// copied into a pooled arena so the caller may reuse or destroy its buffers
// before the picture ends.
type BitStash struct {
	arena *bytebufferpool.ByteBuffer
	recs  []stashRecord
}

func NewBitStash() *BitStash {
	return &BitStash{arena: bytebufferpool.Get()}
}

// Add appends a record. last marks the final record of one render call.
func (s *BitStash) Add(kind BufferKind, data []byte, last bool) {
	off := s.arena.Len()
	_, _ = s.arena.Write(data)
	s.recs = append(s.recs, stashRecord{kind: kind, off: off, n: len(data), last: last})
}

// MarkLast flags the most recent record as the end of a render call.
func (s *BitStash) MarkLast() {
	if n := len(s.recs); n > 0 {
		s.recs[n-1].last = true
	}
}

func (s *BitStash) Len() int {
	return len(s.recs)
}

// Size is the number of payload bytes held.
func (s *BitStash) Size() int {
	return s.arena.Len()
}

// Record returns record i. data aliases the arena until the next Reset.
func (s *BitStash) Record(i int) (kind BufferKind, data []byte, last bool) {
	r := s.recs[i]
	return r.kind, s.arena.B[r.off : r.off+r.n : r.off+r.n], r.last
}

// Has reports whether a record of kind is held.
func (s *BitStash) Has(kind BufferKind) bool {
	return s.LastIndex(kind) >= 0
}

// LastIndex returns the index of the last record of kind, or -1.
func (s *BitStash) LastIndex(kind BufferKind) int {
	for i := len(s.recs) - 1; i >= 0; i-- {
		if s.recs[i].kind == kind {
			return i
		}
	}
	return -1
}

// Reset drops every record and keeps the arena.
func (s *BitStash) Reset() {
	s.arena.Reset()
	s.recs = s.recs[:0]
}

// Release returns the arena to the pool. The stash is unusable afterwards.
func (s *BitStash) Release() {
	if s.arena == nil {
		return
	}
	bytebufferpool.Put(s.arena)
	s.arena = nil
	s.recs = nil
}
