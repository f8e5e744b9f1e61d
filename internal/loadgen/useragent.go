package loadgen

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultUserAgents is the rotation pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
	"Apache-HttpClient/4.5.13",
	"Python-requests/2.28.1",
}

// UserAgentRotation hands out User-Agent strings round-robin.
//
// Each worker owns its own rotation; it is not safe for concurrent use.
// The shared agents slice is never written.
type UserAgentRotation struct {
	agents []string
	next   int
}

// NewUserAgentRotation starts the rotation at offset so that workers do
// not all send the same agent in lockstep.
func NewUserAgentRotation(agents []string, offset int) *UserAgentRotation {
	r := &UserAgentRotation{agents: agents}
	if len(agents) > 0 {
		if offset < 0 {
			offset = -offset
		}
		r.next = offset % len(agents)
	}
	return r
}

// Next returns the next agent, or "" for an empty pool.
func (r *UserAgentRotation) Next() string {
	if r == nil || len(r.agents) == 0 {
		return ""
	}
	ua := r.agents[r.next]
	r.next++
	if r.next == len(r.agents) {
		r.next = 0
	}
	return ua
}

// ReadUserAgents reads one agent per line. Blank lines and lines starting
// with '#' are skipped.
func ReadUserAgents(r io.Reader) ([]string, error) {
	var agents []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		agents = append(agents, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user agents: %w", err)
	}
	return agents, nil
}

// LoadUserAgents reads a user agent file.
func LoadUserAgents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user agents file: %w", err)
	}
	defer f.Close()

	agents, err := ReadUserAgents(f)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("user agents file %s is empty", path)
	}
	return agents, nil
}
