// Package parse turns raw election-result lines into validated per-constituency
// vote tallies.
package parse

import (
	"fmt"
	"strconv"
	"strings"

	"election_results/pkg/parties"
)

// ErrorKind classifies a per-line ingestion error.
type ErrorKind string

const (
	KindMalformedLine    ErrorKind = "MalformedLine"
	KindInvalidVoteCount ErrorKind = "InvalidVoteCount"
	KindDuplicateParty   ErrorKind = "DuplicateParty"
	KindUnknownParty     ErrorKind = "UnknownParty"

	// Recorded by the ingestion pipeline rather than the parser itself.
	KindConstituencyNotMatched        ErrorKind = "ConstituencyNotMatched"
	KindDuplicateConstituencyInUpload ErrorKind = "DuplicateConstituencyInUpload"
)

// ParsedLine is one successfully parsed result line.
type ParsedLine struct {
	Name       string
	PartyVotes map[string]int64
}

// LineError is a validation failure for a single input line. Lines that fail
// validation are skipped; they never abort the enclosing upload.
type LineError struct {
	Line    int       `json:"line"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"error"`
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Kind, e.Message)
}

// NewLineError builds a LineError for the given 1-based line number.
func NewLineError(line int, kind ErrorKind, format string, args ...any) *LineError {
	return &LineError{Line: line, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// escapedComma stands in for "\," while splitting, so constituency names such
// as "Sheffield\, Hallam" survive the comma split.
const escapedComma = "\x00"

// ParseLine parses one line of the input format
// `name,votes_1,party_1,votes_2,party_2,...`. It is a pure function: the same
// line always yields the same ParsedLine or the same error kind.
func ParseLine(raw string, lineNumber int) (*ParsedLine, *LineError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, NewLineError(lineNumber, KindMalformedLine, "empty line")
	}

	working := strings.ReplaceAll(trimmed, `\,`, escapedComma)
	rawFields := strings.Split(working, ",")
	fields := make([]string, len(rawFields))
	for i, f := range rawFields {
		fields[i] = strings.TrimSpace(strings.ReplaceAll(f, escapedComma, ","))
	}

	if len(fields) < 3 {
		return nil, NewLineError(lineNumber, KindMalformedLine,
			"too few fields: need a constituency name and at least one vote/party pair")
	}

	name := fields[0]
	if name == "" {
		return nil, NewLineError(lineNumber, KindMalformedLine, "empty constituency name")
	}

	pairs := fields[1:]
	if len(pairs)%2 != 0 {
		return nil, NewLineError(lineNumber, KindMalformedLine,
			"odd number of vote/party fields (%d); expected pairs of votes and party codes", len(pairs))
	}

	partyVotes := make(map[string]int64, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		votesStr := pairs[i]
		partyCode := pairs[i+1]

		votes, err := strconv.ParseInt(votesStr, 10, 64)
		if err != nil {
			return nil, NewLineError(lineNumber, KindInvalidVoteCount,
				"invalid vote count %q at position %d", votesStr, i+2)
		}
		if votes < 0 {
			return nil, NewLineError(lineNumber, KindInvalidVoteCount,
				"negative vote count %d for party %q", votes, partyCode)
		}

		if _, dup := partyVotes[partyCode]; dup {
			return nil, NewLineError(lineNumber, KindDuplicateParty,
				"duplicate party code %q in same line", partyCode)
		}
		if !parties.IsValid(partyCode) {
			return nil, NewLineError(lineNumber, KindUnknownParty,
				"unknown party code %q", partyCode)
		}

		partyVotes[partyCode] = votes
	}

	return &ParsedLine{Name: name, PartyVotes: partyVotes}, nil
}
