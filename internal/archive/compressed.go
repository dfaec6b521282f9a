// internal/archive/compressed.go
package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/brioworks/recon-pipeline/internal/model"
)

// DecodeCompressedLineItems reads a gzip-compressed line-item payload, the
// format the billing export fast path delivers (part-*.json.gz blobs).
// Both payload shapes occur in the wild: a single JSON array, or one JSON
// object per line.
func DecodeCompressedLineItems(r io.Reader) ([]model.RawLineItem, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	br := bufio.NewReader(gz)
	first, err := br.Peek(1)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	if first[0] == '[' {
		var items []model.RawLineItem
		if err := json.NewDecoder(br).Decode(&items); err != nil {
			return nil, fmt.Errorf("decoding line item array: %w", err)
		}
		return items, nil
	}

	var items []model.RawLineItem
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var li model.RawLineItem
		if err := json.Unmarshal(raw, &li); err != nil {
			return nil, fmt.Errorf("decoding line %d: %w", line, err)
		}
		items = append(items, li)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning payload: %w", err)
	}
	return items, nil
}
