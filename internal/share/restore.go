package share

import (
	"encoding/json"
	"fmt"
)

// MergeRestored combines archived link grants with the live ones when a
// backup is restored. The archived set wins, except that a revocation made
// after the snapshot stays in force and download counts never go back.
func MergeRestored(current, archived json.RawMessage) (json.RawMessage, error) {
	var cur, old map[string]Grant
	if err := json.Unmarshal(current, &cur); err != nil {
		return nil, fmt.Errorf("decode current grants: %w", err)
	}
	if err := json.Unmarshal(archived, &old); err != nil {
		return nil, fmt.Errorf("decode archived grants: %w", err)
	}
	for id, g := range old {
		live, ok := cur[id]
		if !ok {
			continue
		}
		if live.RevokedAt != nil {
			g.Active = false
			g.RevokedAt = live.RevokedAt
		}
		if live.DownloadCount > g.DownloadCount {
			g.DownloadCount = live.DownloadCount
		}
		old[id] = g
	}
	return json.Marshal(old)
}
