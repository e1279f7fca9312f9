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

// Package media drives a V4L2 stateless decoder through media requests.
//
// A Controller owns the bitstream (output) and frame (capture) BufferQueues of
// one video device. Bitstream entries are taken from a fixed pool, filled and
// submitted together with a Request from a RequestPool; frame entries are
// owned by the caller and queued once per picture. Completions are reaped by
// a pollqueue.Queue task, so every type in this package must be used from the
// goroutine that pumps that queue.
package media

import "github.com/srediag/v4l2-request/internal/debuglog"

var log = debuglog.New("media")
