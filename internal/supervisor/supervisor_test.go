// Copyright 2024 The mirrorfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirrorfs/mirrorfs/internal/backing/memfs"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "resetting", StateResetting.String())
	assert.Equal(t, "exiting", StateExiting.String())
}

func TestResetCoalesces(t *testing.T) {
	s := New(Config{Store: memfs.New()})

	for i := 0; i < 100; i++ {
		s.Reset()
	}

	// All pending signals are resets, and far fewer than were sent.
	n := len(s.signals)
	assert.Greater(t, n, 0)
	assert.LessOrEqual(t, n, cap(s.signals))
	for i := 0; i < n; i++ {
		assert.Equal(t, SigReset, <-s.signals)
	}
}

func TestExitOnlyOnce(t *testing.T) {
	s := New(Config{Store: memfs.New()})

	s.Exit()
	s.Exit()
	s.Exit()

	assert.Equal(t, SigExit, <-s.signals)
	assert.Empty(t, s.signals)
}

func TestSignalOrdering(t *testing.T) {
	s := New(Config{Store: memfs.New()})

	s.Reset()
	s.Exit()

	assert.Equal(t, SigReset, <-s.signals)
	assert.Equal(t, SigExit, <-s.signals)
}
