package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type fakeLedger struct {
	*httptest.Server
	mu      sync.Mutex
	actions []string
	online  bool
}

func newFakeLedger(t *testing.T) *fakeLedger {
	t.Helper()
	l := &fakeLedger{online: true}
	l.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.online {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		l.actions = append(l.actions, req.Action)
		if req.Action == "GET_BUDGET" {
			io.WriteString(w, `{"status":"success","budget":42}`)
			return
		}
		io.WriteString(w, `{"status":"success","log":{"written":1,"row":9}}`)
	}))
	t.Cleanup(l.Close)
	return l
}

func (l *fakeLedger) setOnline(v bool) {
	l.mu.Lock()
	l.online = v
	l.mu.Unlock()
}

func (l *fakeLedger) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.actions...)
}

// setStationEnv points the CLI at a temp database and the given ledger.
func setStationEnv(t *testing.T, ledgerURL string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("INTAKE_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("INTAKE_DB_PATH", filepath.Join(dir, "station.db"))
	t.Setenv("INTAKE_LEDGER_URL", ledgerURL)
	t.Setenv("INTAKE_LEDGER_TIMEOUT", "2s")
	t.Setenv("INTAKE_LOG_LEVEL", "error")
}

// resetFlags restores every flag to its default. Cobra parses into
// package-level variables, so values would otherwise leak between tests.
func resetFlags() {
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		reset := func(f *pflag.Flag) {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
		c.Flags().VisitAll(reset)
		c.PersistentFlags().VisitAll(reset)
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

func executeCmd(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	resetFlags()

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return outBuf.String(), errBuf.String(), err
}

func TestAnonymous_DeliversImmediately(t *testing.T) {
	l := newFakeLedger(t)
	setStationEnv(t, l.URL)

	stdout, _, err := executeCmd(t, "anonymous", "--meals", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queued ANONYMOUS_ENTRY evt_") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "Queue length:  0") {
		t.Errorf("stdout = %q, want empty queue", stdout)
	}
	if got := l.seen(); len(got) != 1 || got[0] != "ANONYMOUS_ENTRY" {
		t.Errorf("ledger saw %v", got)
	}
}

func TestOfflineEvents_QueueThenSync(t *testing.T) {
	l := newFakeLedger(t)
	l.setOnline(false)
	setStationEnv(t, l.URL)

	if _, _, err := executeCmd(t, "register", "guest_5", "--name", "Ada", "--healthcare"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := executeCmd(t, "log-service", "guest_5", "--shower", "--meals", "1"); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := executeCmd(t, "queue", "list", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Items []struct {
			Action     string `json:"action"`
			RetryCount int    `json:"retryCount"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(stdout), &listed); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if listed.Total != 2 || listed.Items[0].Action != "UPDATE_GUEST" || listed.Items[1].Action != "LOG_SERVICE" {
		t.Fatalf("queue = %+v", listed)
	}
	if listed.Items[0].RetryCount == 0 {
		t.Error("head should record failed attempts")
	}

	l.setOnline(true)
	stdout, _, err = executeCmd(t, "sync", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		QueueLength int `json:"queueLength"`
	}
	json.Unmarshal([]byte(stdout), &status)
	if status.QueueLength != 0 {
		t.Errorf("after sync = %s", stdout)
	}
	if got := l.seen(); len(got) != 2 || got[0] != "UPDATE_GUEST" || got[1] != "LOG_SERVICE" {
		t.Errorf("ledger saw %v", got)
	}
}

func TestStatus_Offline(t *testing.T) {
	l := newFakeLedger(t)
	setStationEnv(t, l.URL)

	stdout, _, err := executeCmd(t, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Queue length:  0") || !strings.Contains(stdout, "Syncing:       false") {
		t.Errorf("stdout = %q", stdout)
	}
	if len(l.seen()) != 0 {
		t.Error("status must not contact the ledger")
	}
}

func TestQueueList_Empty(t *testing.T) {
	l := newFakeLedger(t)
	setStationEnv(t, l.URL)

	stdout, _, err := executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestLogService_InvalidGuestID(t *testing.T) {
	l := newFakeLedger(t)
	setStationEnv(t, l.URL)

	_, _, err := executeCmd(t, "log-service", "bogus", "--meals", "1")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "guestId") {
		t.Errorf("error = %v, want guestId field", err)
	}
}

func TestClothing_UnknownGuest(t *testing.T) {
	l := newFakeLedger(t)
	setStationEnv(t, l.URL)

	if _, _, err := executeCmd(t, "clothing", "guest_77", "--quantity", "1"); err == nil {
		t.Fatal("expected error for uncached guest")
	}
}

func TestGuest_ShowAfterRegister(t *testing.T) {
	l := newFakeLedger(t)
	setStationEnv(t, l.URL)

	if _, _, err := executeCmd(t, "register", "GUEST_8", "--name", "Grace"); err != nil {
		t.Fatal(err)
	}
	stdout, _, err := executeCmd(t, "guest", "show", "guest_8")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Name:          Grace") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, err = executeCmd(t, "guest", "search", "grace")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "guest_8") {
		t.Errorf("search stdout = %q", stdout)
	}
}

func TestMissingLedgerURL(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INTAKE_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("INTAKE_LEDGER_URL", "")

	_, _, err := executeCmd(t, "status")
	if err == nil || !strings.Contains(err.Error(), "ledger.url") {
		t.Errorf("error = %v, want ledger.url validation failure", err)
	}
}
