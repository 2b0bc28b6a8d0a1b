package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/fingerprint"
	"github.com/vocdoni/scrutin-node/log"
)

// loader feeds parsed shard files into the credential store in batches.
type loader struct {
	creds     credstore.Store
	batchSize int
}

// loadDir loads every shard file found directly under dir.
func (l *loader) loadDir(ctx context.Context, dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var total int64
	var files int
	for _, entry := range entries {
		if entry.IsDir() || !shardName(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return total, fmt.Errorf("failed to read shard %s: %w", entry.Name(), err)
		}
		added, err := l.load(ctx, entry.Name(), data)
		if err != nil {
			return total, err
		}
		total += added
		files++
	}
	if files == 0 {
		return 0, fmt.Errorf("no shard files in %s", dir)
	}
	return total, nil
}

// loadS3 downloads and loads every shard object the fetcher lists.
func (l *loader) loadS3(ctx context.Context, f *s3Fetcher) (int64, error) {
	keys, err := f.list(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("no shard objects in bucket %s under prefix %q", f.cfg.Bucket, f.cfg.Prefix)
	}

	var total int64
	for _, key := range keys {
		data, err := f.get(ctx, key)
		if err != nil {
			return total, err
		}
		added, err := l.load(ctx, key, data)
		if err != nil {
			return total, err
		}
		total += added
	}
	return total, nil
}

// load parses a single shard and pushes its fingerprints to the store in
// batches. It returns the number of fingerprints that were not already in
// the valid set, so reloading the same shard reports zero.
func (l *loader) load(ctx context.Context, name string, data []byte) (int64, error) {
	fps, err := parseShard(name, data)
	if err != nil {
		return 0, err
	}

	var added int64
	for start := 0; start < len(fps); start += l.batchSize {
		end := min(start+l.batchSize, len(fps))
		n, err := l.creds.LoadValid(ctx, fps[start:end])
		if err != nil {
			return added, fmt.Errorf("failed to load batch of %s at offset %d: %w", name, start, err)
		}
		added += n
	}
	log.Infow("loaded shard", "file", name, "fingerprints", len(fps), "added", added)
	return added, nil
}

// shardName reports whether a file or object name looks like a credential
// shard. The enrollment pipeline emits JSON, older exports are plain text.
func shardName(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".txt")
}

// parseShard decodes a shard in any of the formats the enrollment pipeline
// has produced over time. Entries never contain raw voter secrets, only the
// derived fingerprints, so parse errors are safe to report by index.
func parseShard(name string, data []byte) ([]fingerprint.Fingerprint, error) {
	if strings.HasSuffix(name, ".txt") {
		return parseLines(name, data)
	}
	return parseJSON(name, data)
}

// parseJSON accepts three JSON shapes: a bare array of hex strings, an array
// of {"hash": ...} objects, and either of those wrapped in {"hashes": [...]}.
func parseJSON(name string, data []byte) ([]fingerprint.Fingerprint, error) {
	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Hashes json.RawMessage `json:"hashes"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to parse shard %s: %w", name, err)
		}
		if wrapper.Hashes == nil {
			return nil, fmt.Errorf("shard %s has no \"hashes\" array", name)
		}
		data = wrapper.Hashes
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse shard %s: %w", name, err)
	}

	out := make([]fingerprint.Fingerprint, 0, len(entries))
	for i, raw := range entries {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			var obj struct {
				Hash string `json:"hash"`
			}
			if err := json.Unmarshal(raw, &obj); err != nil || obj.Hash == "" {
				return nil, fmt.Errorf("shard %s entry %d is neither a hex string nor a {\"hash\": ...} object", name, i)
			}
			s = obj.Hash
		}
		fp := fingerprint.Fingerprint(s)
		if !fp.Valid() {
			return nil, fmt.Errorf("shard %s entry %d is not a valid fingerprint", name, i)
		}
		out = append(out, fp)
	}
	return out, nil
}

// parseLines reads one fingerprint per line, skipping blanks and # comments.
func parseLines(name string, data []byte) ([]fingerprint.Fingerprint, error) {
	var out []fingerprint.Fingerprint
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fp := fingerprint.Fingerprint(text)
		if !fp.Valid() {
			return nil, fmt.Errorf("shard %s line %d is not a valid fingerprint", name, line)
		}
		out = append(out, fp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan shard %s: %w", name, err)
	}
	return out, nil
}
