// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rib

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCommunity(t *testing.T) {
	for _, tc := range []struct {
		Name    string
		Input   string
		Want    Community
		WantErr bool
	}{
		{
			Name:  "two part",
			Input: "64512:1",
			Want:  Community{64512, 1},
		},
		{
			Name:  "bare number",
			Input: "404",
			Want:  Community{0, 404},
		},
		{
			Name:  "bare number above 16 bits",
			Input: "4259840010",
			Want:  Community{65000, 10},
		},
		{
			Name:    "empty",
			Input:   "",
			WantErr: true,
		},
		{
			Name:    "three parts",
			Input:   "1:2:3",
			WantErr: true,
		},
		{
			Name:    "origin out of range",
			Input:   "65536:1",
			WantErr: true,
		},
		{
			Name:    "value out of range",
			Input:   "1:65536",
			WantErr: true,
		},
		{
			Name:    "not a number",
			Input:   "no-export",
			WantErr: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := ParseCommunity(tc.Input)
			if tc.WantErr {
				if err == nil {
					t.Fatalf("got success, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("got error %q, want success", err)
			}
			if got != tc.Want {
				t.Errorf("got %v, want %v", got, tc.Want)
			}
		})
	}
}

func TestCommunityString(t *testing.T) {
	if got := (Community{65000, 10}).String(); got != "65000:10" {
		t.Errorf("got %q, want %q", got, "65000:10")
	}
	if got := (Community{0, 404}).String(); got != "404" {
		t.Errorf("got %q, want %q", got, "404")
	}
}

func TestCommunityListRoundTrip(t *testing.T) {
	in := []uint32{404, 65000<<16 | 10}
	l := NewCommunityList(in)
	if diff := cmp.Diff(in, l.Uint32s()); diff != "" {
		t.Errorf("Uint32s() mismatch (-want +got):\n%s", diff)
	}
	want := []string{"404", "65000:10"}
	if diff := cmp.Diff(want, l.Strings()); diff != "" {
		t.Errorf("Strings() mismatch (-want +got):\n%s", diff)
	}
}
