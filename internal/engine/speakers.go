package engine

import (
	"context"
	"fmt"
	"sort"

	"audiobookd/pkg/types"
)

// SyncSpeakers makes the engine hold every reference in refs (id ->
// base64 audio) by asking which ids it already has and uploading only the
// missing ones. Returns the ids actually uploaded.
func (m *Manager) SyncSpeakers(ctx context.Context, v types.Variant, refs map[string]string) ([]string, error) {
	m.mu.Lock()
	st, ok := m.states[v.String()]
	var baseURL string
	if ok {
		baseURL = st.endpoint.BaseURL
	}
	m.mu.Unlock()
	if baseURL == "" {
		return nil, ErrClientInvalid("engine variant " + v.String() + " is not running")
	}

	have, err := m.client.SpeakerIDs(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(have))
	for _, id := range have {
		held[id] = true
	}

	missing := make([]string, 0, len(refs))
	for id := range refs {
		if !held[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	for _, id := range missing {
		if err := m.client.UploadSpeaker(ctx, baseURL, id, refs[id]); err != nil {
			return nil, fmt.Errorf("upload speaker %s: %w", id, err)
		}
	}
	if len(missing) > 0 {
		m.log.Debug().Str("variant", v.String()).Int("uploaded", len(missing)).Msg("speaker references synced")
	}
	return missing, nil
}

// Set groups the per-category managers.
type Set map[types.Category]*Manager

// For returns the manager for a category.
func (s Set) For(cat types.Category) (*Manager, bool) {
	m, ok := s[cat]
	return m, ok
}

// SweepAll runs one idle sweep across every category.
func (s Set) SweepAll(ctx context.Context) {
	for _, m := range s {
		m.SweepIdle(ctx)
	}
}

// RestartKeepRunning restores keep_running variants in every category.
func (s Set) RestartKeepRunning(ctx context.Context) {
	for _, m := range s {
		m.RestartKeepRunning(ctx)
	}
}
