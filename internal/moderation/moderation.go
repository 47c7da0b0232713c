// Package moderation checks job manifests before any funds are locked on-chain.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/storage"
)

type Verdict struct {
	Abuse   bool
	Matches []string
}

type Moderator struct {
	store     storage.Client
	blocklist []string
	skip      map[string]bool
}

func New(store storage.Client, blocklist, skipJobTypes []string) *Moderator {
	m := &Moderator{store: store, skip: make(map[string]bool, len(skipJobTypes))}
	for _, term := range blocklist {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			m.blocklist = append(m.blocklist, term)
		}
	}
	for _, t := range skipJobTypes {
		m.skip[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return m
}

// Skip reports job types whose manifests carry no free-form content to moderate.
func (m *Moderator) Skip(jobType string) bool {
	return m.skip[strings.ToLower(jobType)]
}

// LoadManifest fetches the manifest and checks it against the hash recorded at submission.
// A missing, altered or malformed manifest is a validation error.
func (m *Moderator) LoadManifest(ctx context.Context, url, wantHash string) ([]byte, error) {
	data, err := m.store.Fetch(ctx, url)
	if err != nil {
		var fetchErr *storage.FetchError
		if errors.As(err, &fetchErr) && fetchErr.NotFound() {
			return nil, domain.NewValidationError("manifest not found", domain.ErrInvalidManifest)
		}
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, domain.NewValidationError("manifest too large", domain.ErrInvalidManifest)
		}
		return nil, err
	}

	if got := storage.Hash(data); !strings.EqualFold(got, wantHash) {
		return nil, domain.NewValidationError("manifest hash mismatch", domain.ErrInvalidManifest)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, domain.NewValidationError("manifest is not a JSON object", domain.ErrInvalidManifest)
	}
	return data, nil
}

// Scan looks for blocklisted terms in every string value of the manifest.
func (m *Moderator) Scan(manifest []byte) (Verdict, error) {
	dec := json.NewDecoder(bytes.NewReader(manifest))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Verdict{}, domain.NewValidationError("manifest is not valid JSON", domain.ErrInvalidManifest)
	}

	var matches []string
	walkStrings(doc, func(s string) {
		s = strings.ToLower(s)
		for _, term := range m.blocklist {
			if strings.Contains(s, term) && !slices.Contains(matches, term) {
				matches = append(matches, term)
			}
		}
	})
	slices.Sort(matches)
	return Verdict{Abuse: len(matches) > 0, Matches: matches}, nil
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case []any:
		for _, e := range t {
			walkStrings(e, fn)
		}
	case map[string]any:
		for k, e := range t {
			fn(k)
			walkStrings(e, fn)
		}
	}
}
