/*
 * Copyright 2024 CloudWeGo Authors
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

package status

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIsAliveFalseWhenFileMissing(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.False(t, p.IsAlive())
}

func TestIsAliveTrueWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile")
	holder, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	p := New(path)
	assert.True(t, p.IsAlive())
}

func TestIsAliveFalseAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfile")
	holder, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX|unix.LOCK_NB))
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	holder.Close()

	p := New(path)
	assert.False(t, p.IsAlive())
}
