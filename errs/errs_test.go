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

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := New(Timeout, "waited %s", "5s")
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrServerDead))
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, ServerDead))
}

func TestErrorWrap(t *testing.T) {
	cause := fmt.Errorf("flock failed")
	err := Wrap(ServerDead, cause, "status probe")
	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, ErrServerDead))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "unknown", UnknownKind.String())
}

func TestErrorMessage(t *testing.T) {
	err := New(CapacityExceeded, "no free slot in box of size %d", 16)
	assert.Equal(t, "capacity_exceeded: no free slot in box of size 16", err.Error())
}
