// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(ctx context.Context, config string) (Device, error)

var (
	registryMu             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device with the given name, and a constructor that takes as input a configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the sorted names of the registered devices.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the device configuration used by New if GPUONNX_DEVICE is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GPUONNX_DEVICE is the environment variable with the default device configuration to use.
//
// The format of config is "<device_name>:<device_configuration>".
// The "<device_name>" is the name of a registered device (e.g.: "cpu") and
// "<device_configuration>" is device specific (e.g.: for the cpu device "workers=4").
const GPUONNX_DEVICE = "GPUONNX_DEVICE"

// New returns a new default Device.
//
// The default is:
//
// 1. The environment GPUONNX_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered device is used with an empty configuration.
func New(ctx context.Context) (Device, error) {
	if config, found := os.LookupEnv(GPUONNX_DEVICE); found {
		return NewWithConfig(ctx, config)
	}
	return NewWithConfig(ctx, DefaultConfig)
}

// NewWithConfig creates a device from a configuration string formatted as "<device_name>:<device_configuration>".
// A configuration without ":" is taken as a device name. An empty device name selects the first registered
// device.
func NewWithConfig(ctx context.Context, config string) (Device, error) {
	registryMu.Lock()
	if len(registeredConstructors) == 0 {
		registryMu.Unlock()
		return nil, errors.Wrap(ErrDevice,
			`no registered devices, maybe import the default one with import _ "github.com/gomlx/gpuonnx/pkg/gpu/cpu"?`)
	}
	deviceName, deviceConfig, _ := strings.Cut(config, ":")
	if deviceName == "" {
		deviceName = firstRegistered
	}
	constructor, found := registeredConstructors[deviceName]
	registryMu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrDevice, "can't find device %q for configuration %q, registered devices: %v",
			deviceName, config, Registered())
	}
	device, err := constructor(ctx, deviceConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating device %q", deviceName)
	}
	return device, nil
}
