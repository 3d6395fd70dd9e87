package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// parseOutputFile reads step outputs written to $LATTICE_OUTPUT. Two forms
// are accepted:
//
//	key=value
//	key<<DELIM
//	multi-line value
//	DELIM
func parseOutputFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	return parseOutputs(bufio.NewScanner(file))
}

func parseOutputs(scanner *bufio.Scanner) (map[string]string, error) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := map[string]string{}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if key, delim, ok := strings.Cut(line, "<<"); ok && !strings.Contains(key, "=") {
			key = strings.TrimSpace(key)
			delim = strings.TrimSpace(delim)
			if key == "" || delim == "" {
				return nil, fmt.Errorf("output line %d: malformed heredoc", lineNo)
			}
			var body []string
			closed := false
			for scanner.Scan() {
				lineNo++
				next := strings.TrimRight(scanner.Text(), "\r")
				if next == delim {
					closed = true
					break
				}
				body = append(body, next)
			}
			if !closed {
				return nil, fmt.Errorf("output %s: missing closing delimiter %s", key, delim)
			}
			out[key] = strings.Join(body, "\n")
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("output line %d: expected key=value", lineNo)
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
