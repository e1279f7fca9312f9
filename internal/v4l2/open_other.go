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

package v4l2

// Open is only available on 64 bit Linux.
func Open(path string) (Device, error) {
	return nil, ErrUnsupportedPlatform
}

// OpenMedia is only available on 64 bit Linux.
func OpenMedia(path string) (MediaDevice, error) {
	return nil, ErrUnsupportedPlatform
}
