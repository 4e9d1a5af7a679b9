// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuonnx

import (
	"flag"
	"sync"

	"k8s.io/klog/v2"
)

var initLoggingOnce sync.Once

// InitLogging registers the klog flags (-v, -logtostderr, ...) in fs, or in flag.CommandLine if fs is nil.
//
// It should be called once by programs, before parsing the flags: further calls are ignored.
// Libraries should not call it: the packages of this module log through the klog.Logger given to them.
func InitLogging(fs *flag.FlagSet) {
	initLoggingOnce.Do(func() {
		klog.InitFlags(fs)
	})
}
