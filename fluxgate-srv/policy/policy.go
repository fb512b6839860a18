// Package policy implements the host blocklist consulted once per proxied
// request. The compiled pattern set is immutable; reloads swap the whole
// snapshot atomically so concurrent readers never observe a partial update.
package policy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/fluxgate/fluxgate/fluxgate-srv/logger"
)

// Decision is the outcome of evaluating a host against the blocklist.
type Decision struct {
	Blocked bool
	// Pattern is the blocklist entry that matched, empty when allowed.
	Pattern string
}

// AccessPolicy evaluates target hosts against a set of domain patterns.
// A pattern is either an exact host ("ads.example.com") or a wildcard
// ("*.example.com") matching the domain itself and all its subdomains.
type AccessPolicy struct {
	snapshot atomic.Pointer[ruleSet]
}

// ruleSet is a compiled, immutable pattern set. Exact patterns live in a
// map; wildcard suffixes are matched with an Aho-Corasick trie plus a
// label-boundary check, so a suffix never matches mid-label
// ("notexample.com" does not match "*.example.com").
type ruleSet struct {
	exact    map[string]struct{}
	trie     *ahocorasick.Trie
	suffixes []string
}

// New compiles the inline patterns plus the optional pattern file into an
// AccessPolicy. An empty pattern set allows everything.
func New(patterns []string, file string) (*AccessPolicy, error) {
	rs, err := compile(patterns, file)
	if err != nil {
		return nil, err
	}
	p := &AccessPolicy{}
	p.snapshot.Store(rs)
	return p, nil
}

// Reload recompiles the pattern set and swaps it in atomically. In-flight
// evaluations keep using the snapshot they already loaded.
func (p *AccessPolicy) Reload(patterns []string, file string) error {
	rs, err := compile(patterns, file)
	if err != nil {
		return err
	}
	p.snapshot.Store(rs)
	logger.Info("Blocklist reloaded: %d exact, %d wildcard patterns", len(rs.exact), len(rs.suffixes))
	return nil
}

// Len returns the number of compiled patterns.
func (p *AccessPolicy) Len() int {
	rs := p.snapshot.Load()
	return len(rs.exact) + len(rs.suffixes)
}

// Evaluate checks host against the current pattern snapshot. Matching is
// case-insensitive. Wildcard patterns match the apex domain as well as any
// subdomain.
func (p *AccessPolicy) Evaluate(host string) Decision {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	rs := p.snapshot.Load()

	if _, ok := rs.exact[host]; ok {
		return Decision{Blocked: true, Pattern: host}
	}

	if rs.trie != nil {
		for _, match := range rs.trie.MatchString(host) {
			suffix := rs.suffixes[match.Pattern()]
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return Decision{Blocked: true, Pattern: "*." + suffix}
			}
		}
	}

	return Decision{}
}

func compile(patterns []string, file string) (*ruleSet, error) {
	all := make([]string, 0, len(patterns))
	all = append(all, patterns...)

	if file != "" {
		filePatterns, err := loadPatternFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, filePatterns...)
	}

	rs := &ruleSet{exact: make(map[string]struct{}, len(all))}

	seen := make(map[string]struct{}, len(all))
	for _, pattern := range all {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if _, dup := seen[pattern]; dup {
			continue
		}
		seen[pattern] = struct{}{}

		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if suffix == "" {
				return nil, fmt.Errorf("invalid blocklist pattern %q", pattern)
			}
			rs.suffixes = append(rs.suffixes, suffix)
		} else {
			rs.exact[pattern] = struct{}{}
		}
	}

	if len(rs.suffixes) > 0 {
		rs.trie = ahocorasick.NewTrieBuilder().AddStrings(rs.suffixes).Build()
	}

	return rs, nil
}

func loadPatternFile(path string) ([]string, error) {
	cleanPath := filepath.Clean(path)
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing blocklist file: %v", closeErr)
		}
	}()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blocklist file: %w", err)
	}
	return patterns, nil
}
