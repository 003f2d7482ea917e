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

// Package urlfilter decides which activity records are eligible for
// fan-out based on the URL they reference.
package urlfilter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

// Config configures a Filter.
type Config struct {
	// Enabled turns filtering on. A disabled filter admits everything.
	Enabled bool `json:"enabled"`
	// AllowedDomains admit URLs whose host equals an entry or is a
	// subdomain of one. Entries may carry a port.
	AllowedDomains []string `json:"allowed_domains"`
	// AllowedPatterns admit URLs matching a glob where * matches any
	// run of characters.
	AllowedPatterns []string `json:"allowed_patterns"`
}

// Filter admits or rejects activity URLs.
type Filter struct {
	enabled  bool
	domains  []string
	patterns []*regexp.Regexp
}

// New compiles a Filter from configuration.
func New(cfg Config) (*Filter, error) {
	f := &Filter{
		enabled: cfg.Enabled,
		domains: cfg.AllowedDomains,
	}
	for _, pattern := range cfg.AllowedPatterns {
		re, err := compileGlob(pattern)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, trace.BadParameter("invalid URL pattern %q: %v", pattern, err)
	}
	return re, nil
}

// Allowed reports whether a URL passes the filter. URLs that cannot be
// parsed fall through to pattern matching only. Empty URLs are always
// rejected.
func (f *Filter) Allowed(raw string) bool {
	if raw == "" {
		return false
	}
	if !f.enabled {
		return true
	}
	if u, err := url.Parse(raw); err == nil {
		host := u.Host
		for _, domain := range f.domains {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}
