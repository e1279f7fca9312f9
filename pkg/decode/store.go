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

import (
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ID names a config, context, surface or buffer. Each object type draws
// from its own range so an ID of the wrong type never resolves.
type ID uint32

// InvalidID is never handed out.
const InvalidID ID = 0xffffffff

const (
	configIDBase  ID = 0x01000000
	contextIDBase ID = 0x02000000
	surfaceIDBase ID = 0x04000000
	bufferIDBase  ID = 0x08000000
)

// fibonacci hashing spreads sequential ids over the shards
func shardID(id ID) uint32 {
	return uint32(id) * 2654435769
}

type store[T any] struct {
	base ID
	next atomic.Uint32
	m    cmap.ConcurrentMap[ID, T]
}

func newStore[T any](base ID) *store[T] {
	return &store[T]{base: base, m: cmap.NewWithCustomShardingFunction[ID, T](shardID)}
}

func (s *store[T]) add(v T) ID {
	id := s.base + ID(s.next.Add(1))
	s.m.Set(id, v)
	return id
}

func (s *store[T]) get(id ID) (T, bool) {
	return s.m.Get(id)
}

func (s *store[T]) remove(id ID) (T, bool) {
	return s.m.Pop(id)
}

func (s *store[T]) count() int {
	return s.m.Count()
}

// ids returns the live ids in creation order.
func (s *store[T]) ids() []ID {
	ids := s.m.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *store[T]) each(fn func(id ID, v T)) {
	s.m.IterCb(fn)
}
