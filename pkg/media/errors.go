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

package media

import "errors"

var (
	// ErrAllocationFailed covers exhaustion of memory, descriptors or pool slots.
	ErrAllocationFailed = errors.New("media: allocation failed")
	// ErrOperationFailed is a kernel call failing for a reason other than EINTR.
	ErrOperationFailed = errors.New("media: operation failed")
	// ErrUnsupportedFormat is returned when the device rejects a pixel format.
	ErrUnsupportedFormat = errors.New("media: unsupported format")
	// ErrUnsupportedBufferType is returned when negotiation finds no usable capture format.
	ErrUnsupportedBufferType = errors.New("media: unsupported buffer type")
	// ErrUnsupportedRTFormat is returned for render target formats the pipeline cannot produce.
	ErrUnsupportedRTFormat = errors.New("media: unsupported render target format")
	// ErrDecodingError is reported when the kernel flags a frame buffer as bad.
	ErrDecodingError = errors.New("media: decoding error")
	// ErrNoFreeEntry is returned by the non blocking getters when a pool is empty.
	ErrNoFreeEntry = errors.New("media: no free entry")
	// ErrPoolClosed is returned by a closed request pool.
	ErrPoolClosed = errors.New("media: pool closed")
)
