package signatures

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"otscope/pkg/logging"
	"otscope/pkg/types"
)

// FileError reports a signature file that failed to parse.
type FileError struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// ReloadResult is the outcome of a signature directory (re)load.
type ReloadResult struct {
	Loaded int         `json:"loaded"`
	Errors []FileError `json:"errors,omitempty"`
}

// TestMatch is one hit of a rule under test against the recent-packet
// window.
type TestMatch struct {
	PacketIndex int    `json:"packet_index"`
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Confidence  int    `json:"confidence"`
}

// TestResult reports how a candidate rule fares against recent traffic.
type TestResult struct {
	MatchCount int         `json:"match_count"`
	Matches    []TestMatch `json:"matches"`
}

// Engine owns the current rule set. Reloads swap the set atomically:
// readers see the old rules or the new rules, never a mix.
type Engine struct {
	dir    string
	logger *logging.Logger

	mu    sync.RWMutex
	rules []*CompiledRule
}

// NewEngine creates an engine reading rules from dir. The initial load is
// the caller's responsibility (Reload).
func NewEngine(dir string) *Engine {
	return &Engine{
		dir:    dir,
		logger: logging.NewLogger("signatures", logging.INFO, false),
	}
}

// Reload reads every rule file in the signature directory, parsing each
// independently. The in-memory set is replaced only when at least one rule
// parsed; a fully failed reload leaves the previous set untouched.
func (e *Engine) Reload() ReloadResult {
	var result ReloadResult
	var fresh []*CompiledRule

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if e.dir != "" {
			result.Errors = append(result.Errors, FileError{File: e.dir, Reason: err.Error()})
		}
		return result
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ext := strings.ToLower(filepath.Ext(name)); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(e.dir, name))
		if err != nil {
			result.Errors = append(result.Errors, FileError{File: name, Reason: err.Error()})
			continue
		}
		rule, err := ParseRule(data)
		if err != nil {
			result.Errors = append(result.Errors, FileError{File: name, Reason: err.Error()})
			continue
		}
		rule.Source = name
		fresh = append(fresh, rule)
	}

	if len(fresh) > 0 {
		e.mu.Lock()
		e.rules = fresh
		e.mu.Unlock()
		result.Loaded = len(fresh)
	}

	e.logger.Info("signature reload", logging.Fields{
		"dir": e.dir, "loaded": result.Loaded, "errors": len(result.Errors),
	})
	return result
}

// Match evaluates every rule against the packet view and returns the
// resulting signature matches. Cost is linear in rules and filters.
func (e *Engine) Match(v *types.PacketView) []types.SignatureMatch {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var matches []types.SignatureMatch
	for _, r := range rules {
		if !r.Matches(v) {
			continue
		}
		matches = append(matches, types.SignatureMatch{
			Name:          r.Rule.Name,
			Confidence:    r.Rule.Confidence,
			Vendor:        r.Rule.Vendor,
			ProductFamily: r.Rule.ProductFamily,
			Role:          types.Role(r.Rule.Role),
			DeviceType:    types.DeviceType(r.Rule.DeviceType),
			Protocol:      r.Rule.Protocol,
		})
	}
	return matches
}

// Rules returns the active rule records.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Rule)
	}
	return out
}

// Test parses a rule in isolation and evaluates it against the provided
// recent-packet window without touching the active set.
func (e *Engine) Test(ruleText string, window []types.PacketView) (*TestResult, error) {
	rule, err := ParseRule([]byte(ruleText))
	if err != nil {
		return nil, err
	}

	result := &TestResult{}
	for i := range window {
		v := &window[i]
		if !rule.Matches(v) {
			continue
		}
		result.MatchCount++
		result.Matches = append(result.Matches, TestMatch{
			PacketIndex: i,
			SrcIP:       v.SrcIP,
			DstIP:       v.DstIP,
			SrcPort:     v.SrcPort,
			DstPort:     v.DstPort,
			Confidence:  rule.Rule.Confidence,
		})
	}
	return result, nil
}
