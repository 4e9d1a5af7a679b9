// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTilde(t *testing.T) {
	home := must.M1(user.Current()).HomeDir
	assert.Equal(t, "/models/mnist.onnx", must.M1(ReplaceTilde("/models/mnist.onnx")))
	assert.Equal(t, "mnist.onnx", must.M1(ReplaceTilde("mnist.onnx")))
	assert.Equal(t, path.Join(home, "models/mnist.onnx"), must.M1(ReplaceTilde("~/models/mnist.onnx")))
	assert.Equal(t, path.Clean(home), must.M1(ReplaceTilde("~")))
	_, err := ReplaceTilde("~no-such-user-really/x")
	require.Error(t, err)
}

func TestWriteFiles(t *testing.T) {
	dir := path.Join(t.TempDir(), "shaders")
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, WriteFiles(dir, map[string]string{"000_relu.wgsl": "fn main() {}"}))
	exists, err = FileExists(path.Join(dir, "000_relu.wgsl"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "fn main() {}", string(must.M1(os.ReadFile(path.Join(dir, "000_relu.wgsl")))))
}
