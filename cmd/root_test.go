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

package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkArgsArity(t *testing.T) {
	assert.Error(t, linkCmd.Args(linkCmd, []string{"only-origin"}))
	assert.NoError(t, linkCmd.Args(linkCmd, []string{"origin", "mount"}))
	assert.NoError(t, linkCmd.Args(linkCmd, []string{"origin", "mount", "name"}))
	assert.Error(t, linkCmd.Args(linkCmd, []string{"a", "b", "c", "d"}))
}

func TestLinkRejectsMissingDirectories(t *testing.T) {
	err := runLink(linkCmd, []string{"/no/such/origin", "/no/such/mount"})
	require.Error(t, err)

	// Argument-level failures are not internal errors.
	var internal *internalError
	assert.False(t, errors.As(err, &internal))
}

func TestInternalErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &internalError{inner}
	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestFlagRegistration(t *testing.T) {
	for _, name := range []string{"read-only", "local", "mem", "direct-io", "allow-other"} {
		assert.NotNil(t, linkCmd.Flags().Lookup(name), "flag %s", name)
	}
	for _, name := range []string{"verbose", "quiet", "silent"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
}
