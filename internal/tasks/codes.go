package tasks

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxCodes caps how many codes one upload may carry.
const MaxCodes = 2000

// CodeUpload is the result of parsing an uploaded code list.
type CodeUpload struct {
	Codes        []string `json:"codes"`
	Descriptions []string `json:"descriptions"`
	Count        int      `json:"count"`
	InvalidCount int      `json:"invalidCount"`
	Truncated    bool     `json:"truncated"`
	MaxAllowed   int      `json:"maxAllowed"`

	// Parsed values, kept server-side for the chaser.
	Parsed []Code `json:"-"`
}

// ParseCodeList parses an uploaded code list. One code per line, with an
// optional description after a comma, semicolon or tab. A row is accepted
// only if its code column parses as an integer in the given base; other
// rows are counted and skipped. Accepted codes cap at MaxCodes.
func ParseCodeList(content []byte, base int) CodeUpload {
	result := CodeUpload{MaxAllowed: MaxCodes}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		codeCol, description := splitCodeRow(line)

		value, err := parseCode(codeCol, base)
		if err != nil {
			result.InvalidCount++
			continue
		}

		if len(result.Parsed) >= MaxCodes {
			result.Truncated = true
			continue
		}

		result.Parsed = append(result.Parsed, Code{Value: value, Description: description})
	}

	result.Count = len(result.Parsed)
	result.Codes = make([]string, len(result.Parsed))
	result.Descriptions = make([]string, len(result.Parsed))
	for i, c := range result.Parsed {
		if base == 16 {
			result.Codes[i] = fmt.Sprintf("0x%X", c.Value)
		} else {
			result.Codes[i] = strconv.FormatUint(c.Value, 10)
		}
		result.Descriptions[i] = c.Description
	}
	return result
}

// splitCodeRow separates the code column from an optional description.
func splitCodeRow(line string) (string, string) {
	for _, sep := range []string{",", ";", "\t"} {
		if idx := strings.Index(line, sep); idx >= 0 {
			return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
		}
	}
	return line, ""
}

func parseCode(s string, base int) (uint64, error) {
	if base == 16 {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	}
	return strconv.ParseUint(s, base, 64)
}

// UploadStore retains the most recent parsed code list per message so a
// code chaser can be started against it.
type UploadStore struct {
	mu      sync.Mutex
	uploads map[string]*StoredUpload
}

// StoredUpload is one retained code list.
type StoredUpload struct {
	Source       CodeSource
	Codes        []Code
	TargetSignal string
}

// NewUploadStore creates an empty store.
func NewUploadStore() *UploadStore {
	return &UploadStore{uploads: make(map[string]*StoredUpload)}
}

// Put replaces the stored upload for a message.
func (s *UploadStore) Put(messageName string, upload *StoredUpload) {
	s.mu.Lock()
	s.uploads[messageName] = upload
	s.mu.Unlock()
}

// Get returns the stored upload for a message.
func (s *UploadStore) Get(messageName string) (*StoredUpload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[messageName]
	return u, ok
}

// Clear drops all stored uploads. Called when the schema is replaced.
func (s *UploadStore) Clear() {
	s.mu.Lock()
	s.uploads = make(map[string]*StoredUpload)
	s.mu.Unlock()
}
