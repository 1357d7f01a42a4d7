package heartbeat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"
)

// legacyChange is one line of the old relationship-change log.
type legacyChange struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
}

// BackfillFriendSince reads the legacy relationship-change log at path and
// stores the earliest "add" per user as friendSince where none is set yet.
// It returns how many players were updated. A missing log is not an error.
func (a *Accumulator) BackfillFriendSince(ctx context.Context, path string) (int, error) {
	earliest, err := earliestAdds(path)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(earliest))
	for id := range earliest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	updated := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		c := earliest[id]
		changed, err := a.store.SetFriendSinceIfEmpty(ctx, id, c.DisplayName, c.Timestamp)
		if err != nil {
			log.Printf("heartbeat: backfill %s: %v", id, err)
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func earliestAdds(path string) (map[string]legacyChange, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening legacy log: %w", err)
	}
	defer f.Close()

	out := make(map[string]legacyChange)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var c legacyChange
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			continue
		}
		if c.Type != "add" || c.UserID == "" || c.Timestamp.IsZero() {
			continue
		}
		if prev, ok := out[c.UserID]; ok && !c.Timestamp.Before(prev.Timestamp) {
			continue
		}
		out[c.UserID] = c
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning legacy log: %w", err)
	}
	return out, nil
}
