package render

import (
	"encoding/json"
	"os"

	"replaymill/internal/job"
)

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// LoadParticipants reads the renderer's player-info JSON. A missing or
// unreadable file yields an empty slice: player info is a bonus, never a
// reason to fail a render.
func LoadParticipants(path string) []job.Participant {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var players []job.Participant
	if err := json.Unmarshal(data, &players); err != nil {
		return nil
	}
	return players
}
