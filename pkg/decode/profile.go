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
	"fmt"

	"github.com/srediag/v4l2-request/internal/v4l2"
	"github.com/srediag/v4l2-request/pkg/media"
)

// Profile is a codec profile a config can be created for.
type Profile int

const (
	ProfileMPEG2Simple Profile = iota + 1
	ProfileMPEG2Main
	ProfileH264Main
	ProfileH264High
	ProfileH264ConstrainedBaseline
	ProfileH264MultiviewHigh
	ProfileH264StereoHigh
	ProfileHEVCMain
	ProfileHEVCMain10
)

var allProfiles = []Profile{
	ProfileMPEG2Simple,
	ProfileMPEG2Main,
	ProfileH264Main,
	ProfileH264High,
	ProfileH264ConstrainedBaseline,
	ProfileH264MultiviewHigh,
	ProfileH264StereoHigh,
	ProfileHEVCMain,
	ProfileHEVCMain10,
}

var profileNames = map[Profile]string{
	ProfileMPEG2Simple:             "mpeg2-simple",
	ProfileMPEG2Main:               "mpeg2-main",
	ProfileH264Main:                "h264-main",
	ProfileH264High:                "h264-high",
	ProfileH264ConstrainedBaseline: "h264-constrained-baseline",
	ProfileH264MultiviewHigh:       "h264-multiview-high",
	ProfileH264StereoHigh:          "h264-stereo-high",
	ProfileHEVCMain:                "hevc-main",
	ProfileHEVCMain10:              "hevc-main10",
}

func (p Profile) String() string {
	if s, ok := profileNames[p]; ok {
		return s
	}
	return fmt.Sprintf("profile(%d)", int(p))
}

// ParseProfile is the inverse of Profile.String.
func ParseProfile(s string) (Profile, error) {
	for p, name := range profileNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProfile, s)
}

type family int

const (
	familyUnknown family = iota
	familyMPEG2
	familyH264
	familyHEVC
)

func (p Profile) family() family {
	switch p {
	case ProfileMPEG2Simple, ProfileMPEG2Main:
		return familyMPEG2
	case ProfileH264Main, ProfileH264High, ProfileH264ConstrainedBaseline,
		ProfileH264MultiviewHigh, ProfileH264StereoHigh:
		return familyH264
	case ProfileHEVCMain, ProfileHEVCMain10:
		return familyHEVC
	}
	return familyUnknown
}

// SourceFormat is the OUTPUT queue pixel format carrying the profile's
// bitstream, or 0 for an unknown profile.
func (p Profile) SourceFormat() uint32 {
	switch p.family() {
	case familyMPEG2:
		return v4l2.PixFmtMPEG2Slice
	case familyH264:
		return v4l2.PixFmtH264Slice
	case familyHEVC:
		return v4l2.PixFmtHEVCSlice
	}
	return 0
}

// SupportsRTFormat reports whether frames of rt can be decoded with p.
func (p Profile) SupportsRTFormat(rt media.RTFormat) bool {
	switch rt {
	case media.RTFormatYUV420:
		return p.family() != familyUnknown
	case media.RTFormatYUV420_10:
		return p == ProfileHEVCMain10
	}
	return false
}
