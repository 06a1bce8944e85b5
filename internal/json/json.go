// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package json selects the JSON codec used on the serving path. Production
// binaries encode with sonic while tests run the standard-library-compatible
// configuration so failure output stays deterministic.
package json

import (
	"testing"

	sonicjson "github.com/bytedance/sonic" // nolint: depguard
)

var (
	Unmarshal = sonicjson.ConfigDefault.Unmarshal
	Marshal   = sonicjson.ConfigDefault.Marshal
	Valid     = sonicjson.ConfigDefault.Valid
)

func init() {
	if testing.Testing() {
		config := sonicjson.ConfigStd
		Unmarshal = config.Unmarshal
		Marshal = config.Marshal
		Valid = config.Valid
	}
}
