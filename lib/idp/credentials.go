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

package idp

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/nmplabs/bnode/lib/defaults"
	"github.com/nmplabs/bnode/lib/utils"
)

const (
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	symbolChars  = "@#$%^&+=!"
	maxUsername  = 20
	maxCleanBase = 16
)

var nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]`)

// GeneratePassword returns a password satisfying the IdP strength
// rules: at least one character of each class, eight total.
func GeneratePassword() (string, error) {
	classes := []string{upperChars, lowerChars, digitChars, symbolChars}
	all := strings.Join(classes, "")

	chars := make([]byte, 0, defaults.GeneratedPasswordLength)
	for _, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", trace.Wrap(err)
		}
		chars = append(chars, c)
	}
	for len(chars) < defaults.GeneratedPasswordLength {
		c, err := pick(all)
		if err != nil {
			return "", trace.Wrap(err)
		}
		chars = append(chars, c)
	}
	if err := shuffle(chars); err != nil {
		return "", trace.Wrap(err)
	}
	return string(chars), nil
}

// UniqueUsername derives a signup username from a display name:
// alphanumerics only, random 4 character suffix, at most 20 total.
func UniqueUsername(base string) (string, error) {
	clean := nonAlnumRe.ReplaceAllString(base, "")
	if len(clean) > maxCleanBase {
		clean = clean[:maxCleanBase]
	}
	letters, err := utils.CryptoRandomString(lowerChars, 2)
	if err != nil {
		return "", trace.Wrap(err)
	}
	digits, err := utils.CryptoRandomString(digitChars, 2)
	if err != nil {
		return "", trace.Wrap(err)
	}
	name := clean + letters + digits
	if len(name) > maxUsername {
		name = name[:maxUsername]
	}
	return name, nil
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return alphabet[n.Int64()], nil
}

func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return trace.Wrap(err)
		}
		j := n.Int64()
		b[i], b[j] = b[j], b[i]
	}
	return nil
}
