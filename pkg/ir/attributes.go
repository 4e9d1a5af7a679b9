// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gpuonnx/pkg/core/tensors"
	"github.com/gomlx/gpuonnx/pkg/onnx"
	"github.com/pkg/errors"
)

// The attribute helpers below panic with an error (wrapping ErrMissingAttribute or ErrAttributeType), which
// Build converts back to an error with exceptions.TryCatch.

func nodeToString(node *onnx.NodeProto) string {
	var sb strings.Builder
	sb.WriteString(node.OpType)
	if node.Name != "" {
		sb.WriteString(fmt.Sprintf("(%q)", node.Name))
	}
	sb.WriteString(fmt.Sprintf("(%s) -> (%s)", strings.Join(node.Input, ", "), strings.Join(node.Output, ", ")))
	return sb.String()
}

func getNodeAttr(node *onnx.NodeProto, name string, required bool) *onnx.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	if required {
		panic(errors.Wrapf(ErrMissingAttribute, "ONNX %s requires attribute %q", nodeToString(node), name))
	}
	return nil
}

func assertNodeAttrType(node *onnx.NodeProto, attr *onnx.AttributeProto, attributeType onnx.AttributeType) {
	if attr.Type != attributeType {
		panic(errors.Wrapf(ErrAttributeType, "ONNX %s attribute %q is %s, expected %s",
			nodeToString(node), attr.Name, attr.Type, attributeType))
	}
}

// mustGetIntAttr get the attribute as an integer.
// It panics with an exception if attribute is not set or if it is of the wrong type.
func mustGetIntAttr(node *onnx.NodeProto, attrName string) int {
	attr := getNodeAttr(node, attrName, true)
	assertNodeAttrType(node, attr, onnx.AttributeTypeInt)
	return int(attr.I)
}

// getIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
// It panics with an error if the attribute is present but is of the wrong type.
func getIntAttrOr(node *onnx.NodeProto, attrName string, defaultValue int) int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, onnx.AttributeTypeInt)
	return int(attr.I)
}

// getBoolAttrOr gets a boolean attribute (ONNX uses an int value of 0 or 1) for node if present or return the
// given defaultValue.
func getBoolAttrOr(node *onnx.NodeProto, attrName string, defaultValue bool) bool {
	defaultInt := 0
	if defaultValue {
		defaultInt = 1
	}
	return getIntAttrOr(node, attrName, defaultInt) != 0
}

// mustGetDTypeAttr gets a required data type attribute, e.g. Cast "to".
func mustGetDTypeAttr(node *onnx.NodeProto, attrName string) dtypes.DType {
	dataType := onnx.DataType(mustGetIntAttr(node, attrName))
	dtype, err := dataType.DType()
	if err != nil {
		panic(errors.Wrapf(ErrAttributeType, "ONNX %s attribute %q: %v", nodeToString(node), attrName, err))
	}
	return dtype
}

// getFloatAttrOr gets a float attribute for node if present or return the given defaultValue.
func getFloatAttrOr(node *onnx.NodeProto, attrName string, defaultValue float32) float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, onnx.AttributeTypeFloat)
	return attr.F
}

// getStringAttrOr gets a string attribute for node if present or return the given defaultValue.
func getStringAttrOr(node *onnx.NodeProto, attrName string, defaultValue string) string {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, onnx.AttributeTypeString)
	return string(attr.S)
}

// getIntsAttrOr gets an integer list attribute for node if present or return the given defaultValues.
func getIntsAttrOr(node *onnx.NodeProto, attrName string, defaultValues []int) []int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	assertNodeAttrType(node, attr, onnx.AttributeTypeInts)
	values := make([]int, len(attr.Ints))
	for ii, v := range attr.Ints {
		values[ii] = int(v)
	}
	return values
}

// getFloatsAttrOr gets a float list attribute for node if present or return the given defaultValues.
func getFloatsAttrOr(node *onnx.NodeProto, attrName string, defaultValues []float32) []float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	assertNodeAttrType(node, attr, onnx.AttributeTypeFloats)
	return attr.Floats
}

// getTensorAttrOr gets a tensor attribute for node if present or return nil.
func getTensorAttrOr(node *onnx.NodeProto, attrName string) *tensors.Tensor {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return nil
	}
	assertNodeAttrType(node, attr, onnx.AttributeTypeTensor)
	if attr.T == nil {
		panic(errors.Wrapf(ErrAttributeType, "ONNX %s attribute %q has no tensor", nodeToString(node), attrName))
	}
	t, err := attr.T.ToTensor()
	if err != nil {
		panic(errors.Wrapf(ErrAttributeType, "ONNX %s attribute %q: %v", nodeToString(node), attrName, err))
	}
	return t
}
