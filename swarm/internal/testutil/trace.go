// Package testutil provides shared test infrastructure for the swarm
// simulator: a parser for the machine-readable event grammar and budget
// accounting over the parsed stream.
package testutil

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
)

// Event is one parsed machine-trace record.
type Event struct {
	Kind   byte  // 't', 'c', 'd', 'x', or 'f'
	Fields []int // record operands in grammar order
}

// ParseTrace parses a machine-readable event stream. Any malformed line
// fails the test: the grammar is part of the contract.
func ParseTrace(t *testing.T, r io.Reader) []Event {
	t.Helper()

	arity := map[byte]int{'t': 1, 'c': 3, 'd': 1, 'x': 3, 'f': 2}

	var events []Event
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts[0]) != 1 {
			t.Fatalf("malformed trace line %q", line)
		}
		kind := parts[0][0]
		want, ok := arity[kind]
		if !ok || len(parts)-1 != want {
			t.Fatalf("malformed trace line %q", line)
		}
		fields := make([]int, want)
		for i, p := range parts[1:] {
			n, err := strconv.Atoi(p)
			if err != nil {
				t.Fatalf("non-integer operand in trace line %q: %v", line, err)
			}
			fields[i] = n
		}
		events = append(events, Event{Kind: kind, Fields: fields})
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	return events
}

// TransferCounts accumulates, per tick, the number of transfers each source
// sent and each destination received.
type TransferCounts struct {
	BySource map[string]int // "tick/peer" -> chunks sent
	ByDest   map[string]int // "tick/peer" -> chunks received
}

// Key builds the "tick/peer" key used by TransferCounts.
func Key(tick, peer int) string { return fmt.Sprintf("%d/%d", tick, peer) }

// CountTransfers walks a parsed trace and tallies per-tick transfer counts.
func CountTransfers(t *testing.T, events []Event) TransferCounts {
	t.Helper()

	counts := TransferCounts{
		BySource: make(map[string]int),
		ByDest:   make(map[string]int),
	}
	tick := 0
	for _, ev := range events {
		switch ev.Kind {
		case 't':
			if ev.Fields[0] != tick+1 {
				t.Fatalf("tick record %d follows tick %d", ev.Fields[0], tick)
			}
			tick = ev.Fields[0]
		case 'x':
			if tick == 0 {
				t.Fatal("transfer before the first tick record")
			}
			counts.BySource[Key(tick, ev.Fields[0])]++
			counts.ByDest[Key(tick, ev.Fields[2])]++
		}
	}
	return counts
}
