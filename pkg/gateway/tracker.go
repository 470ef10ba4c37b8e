package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/lintd/pkg/cancel"
)

// AnalysisInfo describes an analysis started through the gateway that has not settled
type AnalysisInfo struct {
	ID        string    `json:"analysisId"`
	ClientID  string    `json:"clientId,omitempty"`
	ModuleKey string    `json:"moduleKey,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type trackedAnalysis struct {
	info  AnalysisInfo
	token *cancel.Token
}

// analysisTracker maps analysis ids to the tokens that cancel them
type analysisTracker struct {
	mu   sync.Mutex
	byID map[string]trackedAnalysis
}

func newAnalysisTracker() *analysisTracker {
	return &analysisTracker{byID: make(map[string]trackedAnalysis)}
}

func (t *analysisTracker) add(info AnalysisInfo, token *cancel.Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[info.ID] = trackedAnalysis{info: info, token: token}
}

func (t *analysisTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// cancel cancels one analysis and reports whether it was known
func (t *analysisTracker) cancel(id string) bool {
	t.mu.Lock()
	tracked, ok := t.byID[id]
	t.mu.Unlock()

	if ok {
		tracked.token.Cancel()
	}
	return ok
}

// cancelClient cancels every analysis owned by clientID
func (t *analysisTracker) cancelClient(clientID string) int {
	if clientID == "" {
		return 0
	}

	t.mu.Lock()
	var tokens []*cancel.Token
	for _, tracked := range t.byID {
		if tracked.info.ClientID == clientID {
			tokens = append(tokens, tracked.token)
		}
	}
	t.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

func (t *analysisTracker) list() []AnalysisInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]AnalysisInfo, 0, len(t.byID))
	for _, tracked := range t.byID {
		out = append(out, tracked.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
