package runstore

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Session is one saved run directory under a game project.
type Session struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListSessions enumerates <root>/<gameProjectID>/saved/, newest database
// first. Directories without a database file are skipped: the folder is
// authoritative, but only a real database makes a session.
func ListSessions(root, gameProjectID string) ([]Session, error) {
	savedDir := filepath.Join(root, gameProjectID, "saved")
	entries, err := os.ReadDir(savedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeErr("list sessions", err)
	}

	var sessions []Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(savedDir, entry.Name(), DBFileName))
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{
			SessionID: entry.Name(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID > sessions[j].SessionID
	})
	return sessions, nil
}

// ResolveRunLocation scans every game project directory for a run with the
// given id and returns its owning project and database path. Run discovery is
// by directory scan only; there is no global index.
func ResolveRunLocation(root, runID string) (gameProjectID, dbPath string, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrRunNotFound
		}
		return "", "", storeErr("resolve run location", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := DBPath(root, entry.Name(), runID)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return entry.Name(), candidate, nil
		}
	}
	return "", "", ErrRunNotFound
}
