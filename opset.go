// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuonnx

import (
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/pkg/errors"
)

// OnnxOpsetVersion returns the version of the standard ONNX operator set referenced by the model.
//
// The model must reference exactly one version of the standard operator set (repeating it is accepted), and no
// other operator set.
func OnnxOpsetVersion(model *onnx.ModelProto) (int64, error) {
	var version int64
	found := false
	for _, opset := range model.OpsetImport {
		if !onnx.StandardDomain(opset.Domain) {
			return 0, newError(KindUnknownOpset, errors.Errorf("domain %q", opset.Domain))
		}
		if found && opset.Version != version {
			return 0, newError(KindDuplicateOnnxOpset, errors.Errorf("versions %d and %d", version, opset.Version))
		}
		version, found = opset.Version, true
	}
	if !found {
		return 0, newError(KindUnknownOnnxOpsetVersion, nil)
	}
	return version, nil
}
