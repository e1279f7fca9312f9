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

// Package decode is a stateless hardware decode session layered on the
// media request pipeline.
//
// A Driver exposes the object model of a video acceleration backend:
// configs bind a codec profile to a render target format, contexts own a
// decoder device and its bitstream queue, surfaces receive decoded frames and
// buffers carry the codec parameters and slice data of one picture.
//
// Pictures follow a begin, render, end cycle. RenderPicture only records the
// referenced buffers in a per-context bit stash; EndPicture replays the stash
// into media requests, starting the stream on the first picture that carries
// picture parameters. SyncSurface waits for the decoded frame.
//
// Object lookups are safe from any goroutine. Operations that touch the
// kernel pump a single-threaded poll queue and must be called from one
// goroutine per Driver.
package decode

import "github.com/srediag/v4l2-request/internal/debuglog"

var log = debuglog.New("decode")
