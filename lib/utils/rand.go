/*
Copyright 2024 NMP Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils holds small helpers shared across the coordinator.
package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/gravitational/trace"
)

// CryptoRandomString returns a string of the given length drawn uniformly
// from alphabet using the crypto-strong generator
func CryptoRandomString(alphabet string, length int) (string, error) {
	if alphabet == "" {
		return "", trace.BadParameter("alphabet must not be empty")
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", trace.Wrap(err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
