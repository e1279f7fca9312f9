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

import "fmt"

type buffer struct {
	ctxID ID
	kind  BufferKind
	data  []byte
}

// CreateBuffer creates a count element buffer of kind for a context. data,
// when not nil, initialises it.
func (d *Driver) CreateBuffer(ctxID ID, kind BufferKind, size, count int, data []byte) (ID, error) {
	if err := d.checkOpen(); err != nil {
		return InvalidID, err
	}
	if _, ok := d.contexts.get(ctxID); !ok {
		return InvalidID, ErrInvalidContext
	}
	if !kind.valid() {
		return InvalidID, fmt.Errorf("%w: %s", ErrInvalidBuffer, kind)
	}
	if size <= 0 || count <= 0 {
		return InvalidID, fmt.Errorf("%w: %d x %d bytes", ErrInvalidParameter, count, size)
	}
	b := &buffer{ctxID: ctxID, kind: kind, data: make([]byte, size*count)}
	copy(b.data, data)
	return d.buffers.add(b), nil
}

// MapBuffer returns the buffer's memory for the caller to fill.
func (d *Driver) MapBuffer(id ID) ([]byte, error) {
	b, ok := d.buffers.get(id)
	if !ok {
		return nil, ErrInvalidBuffer
	}
	return b.data, nil
}

func (d *Driver) DestroyBuffer(id ID) error {
	if _, ok := d.buffers.remove(id); !ok {
		return ErrInvalidBuffer
	}
	return nil
}
