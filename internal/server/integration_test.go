package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/talespin/internal/contract"
	"github.com/danshapiro/talespin/internal/modclient"
)

func writeEnvelope(w http.ResponseWriter, moduleName string, output any) {
	out, _ := json.Marshal(output)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"meta":   map[string]any{"moduleName": moduleName, "warnings": []string{}},
		"output": json.RawMessage(out),
	})
}

func playerInputOf(r *http.Request) string {
	var body struct {
		Context contract.RunContext `json:"context"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.Context.PlayerInput
}

func stubProposal() contract.ProposedDiff {
	return contract.ProposedDiff{
		ModuleName: "module_default_simulator",
		Operations: []contract.Operation{{
			Op:      contract.OpObservation,
			Scope:   contract.ScopeViewPlayer,
			Payload: map[string]any{"text": "You scan the desert."},
		}},
	}
}

// stubModules starts one httptest server per module role with canonical
// behavior: "Attack." yields a no-target refusal candidate, everything else
// resolves normally. simulatorDelay stalls the simulator to provoke timeouts.
func stubModules(t *testing.T, simulatorDelay time.Duration) map[string]string {
	t.Helper()

	intent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		input := playerInputOf(r)
		candidate := contract.Candidate{
			ActorID:         "entity.player.captain",
			Intent:          "inspect_environment",
			Confidence:      0.92,
			ConsequenceTags: []string{},
		}
		if strings.HasPrefix(input, "Attack") {
			candidate.Intent = "attack"
			candidate.Confidence = 0.7
			candidate.ConsequenceTags = []string{contract.TagNoTargetInScope}
		}
		writeEnvelope(w, "module_intent_extractor", contract.ActionCandidates{
			RawInput:   input,
			Candidates: []contract.Candidate{candidate},
		})
	}))
	t.Cleanup(intent.Close)

	loremaster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/retrieve":
			writeEnvelope(w, "module_loremaster", contract.LoreRetrieval{
				Query:    "desert",
				Evidence: []contract.Evidence{{Source: "world_context", Excerpt: "Sand everywhere.", Score: 0.8}},
				Summary:  "Desert all around.",
			})
		case "/pre":
			writeEnvelope(w, "module_loremaster", contract.LoremasterOutput{
				Assessments: []contract.Assessment{{
					CandidateIndex:  0,
					Status:          contract.AssessAllowed,
					ConsequenceTags: []string{},
					Rationale:       "Plausible in the current scene.",
				}},
				Summary: "allowed",
			})
		case "/post":
			writeEnvelope(w, "module_loremaster", contract.LoremasterPostOutput{
				Status:      contract.PostConsistent,
				Rationale:   "Nothing contradicts the lore.",
				MustInclude: []string{},
				MustAvoid:   []string{},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(loremaster.Close)

	simulator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if simulatorDelay > 0 {
			time.Sleep(simulatorDelay)
		}
		writeEnvelope(w, "module_default_simulator", stubProposal())
	}))
	t.Cleanup(simulator.Close)

	arbiter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "module_arbiter", contract.ArbiterDecision{
			Decision:         contract.DecisionAccept,
			SelectedProposal: stubProposal(),
			Rationale:        "Single plausible proposal.",
			RerunHints:       []string{},
		})
	}))
	t.Cleanup(arbiter.Close)

	proser := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "module_proser", contract.Narration{
			NarrationText: "Dust sweeps across the crawler deck as you survey the dunes.",
		})
	}))
	t.Cleanup(proser.Close)

	return map[string]string{
		"MODULE_INTENT_URL":            intent.URL,
		"MODULE_LOREMASTER_URL":        loremaster.URL,
		"MODULE_DEFAULT_SIMULATOR_URL": simulator.URL,
		"MODULE_ARBITER_URL":           arbiter.URL,
		"MODULE_PROSER_URL":            proser.URL,
	}
}

func newAPI(t *testing.T, moduleEnv map[string]string, timeout time.Duration) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	projectDir := filepath.Join(root, "dust-crawler")
	loreDir := filepath.Join(projectDir, "lore")
	if err := os.MkdirAll(loreDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(loreDir, "world.md"), []byte("Sand everywhere."), 0o644); err != nil {
		t.Fatalf("write world.md: %v", err)
	}

	srv := New(Config{
		GameProjectsRoot: root,
		GameProjectID:    "dust-crawler",
		Client:           modclient.New(timeout),
		EnvLookup: func(key string) (string, bool) {
			v, ok := moduleEnv[key]
			return v, ok
		},
	})
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return api, root
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func errorCode(t *testing.T, body map[string]any) (string, map[string]any) {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	code, _ := errObj["code"].(string)
	details, _ := errObj["details"].(map[string]any)
	if errObj["requestId"] == "" {
		t.Fatal("error envelope missing requestId")
	}
	return code, details
}

func startRun(t *testing.T, api *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, api.URL+"/run/start", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run start: %d %v", resp.StatusCode, body)
	}
	runID, _ := body["runId"].(string)
	if runID == "" {
		t.Fatalf("no runId in %v", body)
	}
	return runID
}

func TestHealthAndGameProject(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)

	resp, body := doJSON(t, http.MethodGet, api.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, api.URL+"/game_projects/dust-crawler", nil)
	if resp.StatusCode != http.StatusOK || body["id"] != "dust-crawler" {
		t.Fatalf("game project: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, api.URL+"/game_projects/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project: %d", resp.StatusCode)
	}
	if code, _ := errorCode(t, body); code != codeGameProjectNotFound {
		t.Fatalf("code = %s", code)
	}
}

func TestGameProject_BrokenManifest(t *testing.T) {
	api, projectsRoot := newAPI(t, stubModules(t, 0), time.Second)

	// An existing project whose manifest fails strict decoding is a load
	// failure, not a missing project.
	brokenDir := filepath.Join(projectsRoot, "broken")
	if err := os.MkdirAll(brokenDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(brokenDir, "manifest.json"), []byte(`{"bogus": true}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, api.URL+"/game_projects/broken", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("broken manifest: %d %v", resp.StatusCode, body)
	}
	code, _ := errorCode(t, body)
	if code == codeGameProjectNotFound {
		t.Fatalf("load failure reported as not-found")
	}
	if code != codeStoreFailure {
		t.Fatalf("code = %s, want %s", code, codeStoreFailure)
	}
}

func TestSessionsListing(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)

	resp, body := doJSON(t, http.MethodGet, api.URL+"/game_projects/dust-crawler/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions: %d %v", resp.StatusCode, body)
	}
	if sessions, _ := body["sessions"].([]any); len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %v", sessions)
	}

	runID := startRun(t, api)
	_, body = doJSON(t, http.MethodGet, api.URL+"/game_projects/dust-crawler/sessions", nil)
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", sessions)
	}
	first, _ := sessions[0].(map[string]any)
	if first["sessionId"] != runID {
		t.Fatalf("session = %v, want run %s", first, runID)
	}
}

func TestTurn_HappyPath(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	resp, state := doJSON(t, http.MethodGet, api.URL+"/run/"+runID+"/state", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state: %d %v", resp.StatusCode, state)
	}
	if state["nextTurn"] != float64(1) {
		t.Fatalf("nextTurn = %v, want 1", state["nextTurn"])
	}

	resp, trace := doJSON(t, http.MethodPost, api.URL+"/turn", map[string]any{
		"runId": runID, "turn": 1, "playerInput": "Look around.", "playerId": "entity.player.captain",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn: %d %v", resp.StatusCode, trace)
	}
	narration, _ := trace["narrationText"].(string)
	if !strings.Contains(narration, "crawler") {
		t.Fatalf("narration = %q", narration)
	}
	if events, _ := trace["pipelineEvents"].([]any); len(events) != 9 {
		t.Fatalf("trace pipeline events = %d, want 9", len(events))
	}

	_, state = doJSON(t, http.MethodGet, api.URL+"/run/"+runID+"/state", nil)
	if state["nextTurn"] != float64(2) {
		t.Fatalf("nextTurn after commit = %v, want 2", state["nextTurn"])
	}
	messages, _ := state["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", messages)
	}

	resp, pipe := doJSON(t, http.MethodGet, api.URL+"/run/"+runID+"/turn/1/pipeline", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pipeline: %d %v", resp.StatusCode, pipe)
	}
	if events, _ := pipe["events"].([]any); len(events) != 9 {
		t.Fatalf("pipeline events = %d, want 9", len(events))
	}
	exec, _ := pipe["execution"].(map[string]any)
	if exec == nil || exec["completed"] != true {
		t.Fatalf("execution = %v", exec)
	}
}

func TestTurn_RefusalPath(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	resp, trace := doJSON(t, http.MethodPost, api.URL+"/turn", map[string]any{
		"runId": runID, "turn": 1, "playerInput": "Attack.", "playerId": "entity.player.captain",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn: %d %v", resp.StatusCode, trace)
	}
	narration, _ := trace["narrationText"].(string)
	if !strings.HasPrefix(narration, "Refused:") {
		t.Fatalf("narration = %q", narration)
	}
	refusal, _ := trace["refusal"].(map[string]any)
	if refusal == nil || !strings.HasPrefix(refusal["reason"].(string), "Refused:") {
		t.Fatalf("refusal = %v", refusal)
	}

	skipped := map[string]bool{}
	events, _ := trace["pipelineEvents"].([]any)
	for _, raw := range events {
		ev, _ := raw.(map[string]any)
		if ev["status"] == contract.EventStatusSkipped {
			skipped[ev["stage"].(string)] = true
		}
	}
	for _, stage := range []string{
		contract.StageDefaultSimulator, contract.StageLoremasterPost,
		contract.StageArbiter, contract.StageProser,
	} {
		if !skipped[stage] {
			t.Fatalf("stage %s not skipped; skipped set %v", stage, skipped)
		}
	}
	if len(skipped) != 4 {
		t.Fatalf("skipped = %v", skipped)
	}

	// Refusal commits: the turn counter advances.
	_, state := doJSON(t, http.MethodGet, api.URL+"/run/"+runID+"/state", nil)
	if state["nextTurn"] != float64(2) {
		t.Fatalf("nextTurn = %v, want 2", state["nextTurn"])
	}
}

func TestTurn_SequenceConflict(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	for _, wrongTurn := range []int{2, 5} {
		resp, body := doJSON(t, http.MethodPost, api.URL+"/turn", map[string]any{
			"runId": runID, "turn": wrongTurn, "playerInput": "Look.", "playerId": "p",
		})
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("turn %d: status %d %v", wrongTurn, resp.StatusCode, body)
		}
		code, details := errorCode(t, body)
		if code != codeTurnSequenceConflict {
			t.Fatalf("code = %s", code)
		}
		if details["expectedTurn"] != float64(1) || details["receivedTurn"] != float64(wrongTurn) {
			t.Fatalf("details = %v", details)
		}
	}
}

func TestTurn_BadRequests(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	cases := []struct {
		name     string
		body     map[string]any
		wantCode string
	}{
		{"missing playerInput", map[string]any{"runId": runID, "turn": 1, "playerId": "p"}, codeBadTurnRequest},
		{"missing turn", map[string]any{"runId": runID, "playerInput": "x", "playerId": "p"}, codeBadTurnRequest},
		{"string turn", map[string]any{"runId": runID, "turn": "one", "playerInput": "x", "playerId": "p"}, codeInvalidTurnIndex},
		{"zero turn", map[string]any{"runId": runID, "turn": 0, "playerInput": "x", "playerId": "p"}, codeInvalidTurnIndex},
		{"missing runId", map[string]any{"turn": 1, "playerInput": "x", "playerId": "p"}, codeBadTurnRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, api.URL+"/turn", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d %v", resp.StatusCode, body)
			}
			if code, _ := errorCode(t, body); code != tc.wantCode {
				t.Fatalf("code = %s, want %s", code, tc.wantCode)
			}
		})
	}

	resp, body := doJSON(t, http.MethodPost, api.URL+"/turn", map[string]any{
		"runId": "missing-run", "turn": 1, "playerInput": "x", "playerId": "p",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run: %d %v", resp.StatusCode, body)
	}
	if code, _ := errorCode(t, body); code != codeRunNotFound {
		t.Fatalf("code = %s", code)
	}
}

func TestStepMode_EndToEnd(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	resp, body := doJSON(t, http.MethodPost, api.URL+"/turn/step/start", map[string]any{
		"runId": runID, "turn": 1, "playerInput": "Look around.", "playerId": "entity.player.captain",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step start: %d %v", resp.StatusCode, body)
	}
	exec, _ := body["execution"].(map[string]any)
	if exec["cursor"] != float64(0) || exec["completed"] != false {
		t.Fatalf("start execution = %v", exec)
	}
	if events, _ := body["pipelineEvents"].([]any); len(events) != 1 {
		t.Fatalf("start events = %v", events)
	}

	// S5: starting the next turn while this one runs is a conflict.
	resp, body = doJSON(t, http.MethodPost, api.URL+"/turn/step/start", map[string]any{
		"runId": runID, "turn": 2, "playerInput": "Head north.", "playerId": "p",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent start: %d %v", resp.StatusCode, body)
	}
	code, details := errorCode(t, body)
	if code != codeStepExecutionConflict || details["activeTurn"] != float64(1) {
		t.Fatalf("conflict = %s %v", code, details)
	}

	for i := 1; i <= contract.StageCount; i++ {
		resp, body = doJSON(t, http.MethodPost, api.URL+"/turn/step/next", map[string]any{
			"runId": runID, "turn": 1,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("step next %d: %d %v", i, resp.StatusCode, body)
		}
		exec, _ = body["execution"].(map[string]any)
		if exec["cursor"] != float64(i) {
			t.Fatalf("advance %d cursor = %v", i, exec["cursor"])
		}
	}
	if exec["completed"] != true {
		t.Fatalf("final execution = %v", exec)
	}
	result, _ := body["result"].(map[string]any)
	if narration, _ := result["narrationText"].(string); !strings.Contains(narration, "crawler") {
		t.Fatalf("result = %v", result)
	}

	resp, body = doJSON(t, http.MethodPost, api.URL+"/turn/step/next", map[string]any{
		"runId": runID, "turn": 4,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown execution: %d %v", resp.StatusCode, body)
	}
	if code, _ := errorCode(t, body); code != codeStepExecutionNotFound {
		t.Fatalf("code = %s", code)
	}
}

func TestTurn_ModuleTimeout(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 500*time.Millisecond), 80*time.Millisecond)
	runID := startRun(t, api)

	resp, body := doJSON(t, http.MethodPost, api.URL+"/turn", map[string]any{
		"runId": runID, "turn": 1, "playerInput": "Look around.", "playerId": "p",
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("timeout turn: %d %v", resp.StatusCode, body)
	}
	code, details := errorCode(t, body)
	if code != codeTurnProcessingFailed || details["stage"] != contract.StageDefaultSimulator {
		t.Fatalf("error = %s %v", code, details)
	}

	// The failing stage left a durable error event; nothing was committed.
	_, pipe := doJSON(t, http.MethodGet, api.URL+"/run/"+runID+"/turn/1/pipeline", nil)
	events, _ := pipe["events"].([]any)
	if len(events) != 5 {
		t.Fatalf("pipeline events = %d, want 5", len(events))
	}
	last, _ := events[len(events)-1].(map[string]any)
	if last["status"] != contract.EventStatusError {
		t.Fatalf("last event = %v", last)
	}
	_, state := doJSON(t, http.MethodGet, api.URL+"/run/"+runID+"/state", nil)
	if state["nextTurn"] != float64(1) {
		t.Fatalf("nextTurn after failure = %v, want 1", state["nextTurn"])
	}
	// The player_input event is durable before any stage runs, so the failed
	// turn projects exactly one player message and no engine narration.
	messages, _ := state["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("messages after failure = %v, want one player message", messages)
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != "player" || first["text"] != "Look around." {
		t.Fatalf("message after failure = %v", first)
	}
}

func TestOpenSavedFolder(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	resp, body := doJSON(t, http.MethodPost, api.URL+"/run/"+runID+"/open-saved-folder", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open saved folder: %d %v", resp.StatusCode, body)
	}
	if body["ok"] != true || body["runId"] != runID {
		t.Fatalf("body = %v", body)
	}
	openedPath, _ := body["openedPath"].(string)
	if !strings.Contains(openedPath, filepath.Join("saved", runID)) {
		t.Fatalf("openedPath = %q", openedPath)
	}

	resp, body = doJSON(t, http.MethodPost, api.URL+"/run/missing/open-saved-folder", map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run: %d %v", resp.StatusCode, body)
	}
}

func TestTurn_RetryAfterStageError(t *testing.T) {
	moduleEnv := stubModules(t, 0)

	// A simulator that fails once, then behaves.
	failures := 1
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures > 0 {
			failures--
			http.Error(w, "simulator crashed", http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, "module_default_simulator", stubProposal())
	}))
	t.Cleanup(flaky.Close)
	moduleEnv["MODULE_DEFAULT_SIMULATOR_URL"] = flaky.URL

	api, _ := newAPI(t, moduleEnv, time.Second)
	runID := startRun(t, api)

	turnBody := map[string]any{
		"runId": runID, "turn": 1, "playerInput": "Look around.", "playerId": "p",
	}
	resp, body := doJSON(t, http.MethodPost, api.URL+"/turn", turnBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first attempt: %d %v", resp.StatusCode, body)
	}

	// Same turn again: resumes from the simulator and completes.
	resp, trace := doJSON(t, http.MethodPost, api.URL+"/turn", turnBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry: %d %v", resp.StatusCode, trace)
	}
	events, _ := trace["pipelineEvents"].([]any)
	if len(events) != 10 {
		t.Fatalf("trace events after retry = %d, want 10", len(events))
	}
	for i, raw := range events {
		ev, _ := raw.(map[string]any)
		if ev["stepNumber"] != float64(i+1) {
			t.Fatalf("step numbers not contiguous: %v", ev)
		}
	}
}

func TestStepStart_DuplicateTurnConflict(t *testing.T) {
	api, _ := newAPI(t, stubModules(t, 0), time.Second)
	runID := startRun(t, api)

	body := map[string]any{
		"runId": runID, "turn": 1, "playerInput": "Look.", "playerId": "p",
	}
	if resp, out := doJSON(t, http.MethodPost, api.URL+"/turn/step/start", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %v", resp.StatusCode, out)
	}
	resp, out := doJSON(t, http.MethodPost, api.URL+"/turn/step/start", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start: %d %v", resp.StatusCode, out)
	}
	if code, _ := errorCode(t, out); code != codeStepExecutionConflict {
		t.Fatalf("code = %s", code)
	}
}
