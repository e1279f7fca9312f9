//go:build !(linux && (amd64 || arm64))

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

package config

import (
	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/dmabuf"
)

func (c *Config) NewAllocator() (dmabuf.Allocator, error) {
	return nil, v4l2.ErrUnsupportedPlatform
}
