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
	"errors"

	"github.com/srediag/v4l2-request/pkg/media"
)

var (
	ErrInvalidConfig      = errors.New("decode: invalid config")
	ErrInvalidContext     = errors.New("decode: invalid context")
	ErrInvalidSurface     = errors.New("decode: invalid surface")
	ErrInvalidBuffer      = errors.New("decode: invalid buffer")
	ErrInvalidParameter   = errors.New("decode: invalid parameter")
	ErrUnsupportedProfile = errors.New("decode: unsupported profile")
	ErrSurfaceBusy        = errors.New("decode: surface is the render target of another context")
	ErrTerminated         = errors.New("decode: driver terminated")
)

// Pipeline errors surface unchanged.
var (
	ErrAllocationFailed    = media.ErrAllocationFailed
	ErrOperationFailed     = media.ErrOperationFailed
	ErrDecodingError       = media.ErrDecodingError
	ErrUnsupportedRTFormat = media.ErrUnsupportedRTFormat
)
