package hass

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/hassgate/internal/authz"
	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// fakeDispatcher answers invocations from respond and records them.
type fakeDispatcher struct {
	invocations []model.Invocation
	respond     func(inv model.Invocation) (*dispatch.Result, error)
	gate        *authz.Gate
}

func (f *fakeDispatcher) Handle(_ context.Context, inv model.Invocation) (*dispatch.Result, error) {
	f.invocations = append(f.invocations, inv)
	return f.respond(inv)
}

func (f *fakeDispatcher) HandleJSON(ctx context.Context, inv model.Invocation, v any) (*dispatch.Result, error) {
	res, err := f.Handle(ctx, inv)
	if err != nil || v == nil {
		return res, err
	}
	return res, res.Decode(v)
}

func (f *fakeDispatcher) Check(inv model.Invocation) (model.Decision, error) {
	return f.gate.Authorize(inv), nil
}

func (f *fakeDispatcher) Explain(d model.Decision, resource string) string {
	return f.gate.Explain(d, resource)
}

func jsonResult(t *testing.T, v any) *dispatch.Result {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return &dispatch.Result{ContentType: "application/json", Body: data}
}

var fixedNow = time.Date(2026, 3, 14, 12, 30, 45, 123, time.UTC)

func newHub(f *fakeDispatcher) *Hub {
	if f.gate == nil {
		f.gate = authz.NewGate(nil)
	}
	return New(f,
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func sampleStates() []State {
	return []State{
		{EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"friendly_name": "Kitchen Light"}},
		{EntityID: "light.porch", State: "off", Attributes: map[string]any{"friendly_name": "Porch"}},
		{EntityID: "sensor.outdoor_temp", State: "12.5", Attributes: map[string]any{
			"friendly_name": "Outdoor", "device_class": "temperature", "unit_of_measurement": "°C"}},
	}
}

func TestPing(t *testing.T) {
	f := &fakeDispatcher{respond: func(inv model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, map[string]any{"message": "API running.", "version": "2026.3.1"}), nil
	}}
	res, err := newHub(f).Ping(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "ok" || res.Version != "2026.3.1" {
		t.Errorf("unexpected %+v", res)
	}
	inv := f.invocations[0]
	if inv.Kind != model.Read || inv.Request.Path != "/api/" || inv.Tool != ToolPing {
		t.Errorf("unexpected invocation %+v", inv)
	}
}

func TestListEntities(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, sampleStates()), nil
	}}
	h := newHub(f)

	all, err := h.ListEntities(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if all.Total != 3 || all.Returned != 3 || all.Truncated {
		t.Errorf("unexpected %+v", all)
	}

	lights, err := h.ListEntities(context.Background(), "light")
	if err != nil {
		t.Fatal(err)
	}
	if lights.Total != 2 || lights.DomainFilter != "light" {
		t.Errorf("unexpected %+v", lights)
	}
	if lights.Entities[0].FriendlyName != "Kitchen Light" {
		t.Errorf("friendly name lost: %+v", lights.Entities[0])
	}
}

func TestListEntitiesCapped(t *testing.T) {
	many := make([]State, MaxEntities+10)
	for i := range many {
		many[i] = State{EntityID: "sensor.s" + strings.Repeat("x", i%5), State: "1"}
	}
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, many), nil
	}}
	res, err := newHub(f).ListEntities(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || res.Returned != MaxEntities || res.Total != MaxEntities+10 {
		t.Errorf("unexpected total=%d returned=%d truncated=%t", res.Total, res.Returned, res.Truncated)
	}
}

func TestGetEntity(t *testing.T) {
	f := &fakeDispatcher{respond: func(inv model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, sampleStates()[0]), nil
	}}
	h := newHub(f)
	s, err := h.GetEntity(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != "on" || f.invocations[0].Request.Path != "/api/states/light.kitchen" {
		t.Errorf("unexpected %+v / %s", s, f.invocations[0].Request.Path)
	}

	_, err = h.GetEntity(context.Background(), " ")
	if dispatch.CodeOf(err) != dispatch.CodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSearchEntities(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, sampleStates()), nil
	}}
	h := newHub(f)

	tests := []struct {
		query string
		want  []string
	}{
		{"KITCHEN", []string{"light.kitchen"}},
		{"porch", []string{"light.porch"}},
		{"temperature", []string{"sensor.outdoor_temp"}},
		{"°c", []string{"sensor.outdoor_temp"}},
		{"garage", nil},
	}
	for _, tt := range tests {
		res, err := h.SearchEntities(context.Background(), tt.query)
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for _, e := range res.Entities {
			got = append(got, e.EntityID)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("query %q: got %v, want %v", tt.query, got, tt.want)
		}
	}

	if _, err := h.SearchEntities(context.Background(), ""); dispatch.CodeOf(err) != dispatch.CodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		long := make([]map[string]any, MaxHistoryItems+5)
		for i := range long {
			long[i] = map[string]any{"state": "on"}
		}
		return jsonResult(t, [][]map[string]any{long, {}, {{"state": "off"}}}), nil
	}}
	h := newHub(f)

	res, err := h.History(context.Background(), "light.kitchen", 500)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hours != MaxHours {
		t.Errorf("hours not capped: %d", res.Hours)
	}
	if res.TotalEntries != MaxHistoryItems+6 || len(res.History) != 2 || len(res.History[0]) != MaxHistoryItems {
		t.Errorf("unexpected total=%d series=%d", res.TotalEntries, len(res.History))
	}
	if !res.Truncated {
		t.Error("expected truncated")
	}
	if res.EndTime != "2026-03-14T12:30:45+00:00" || res.StartTime != "2026-03-07T12:30:45+00:00" {
		t.Errorf("window %s..%s", res.StartTime, res.EndTime)
	}

	path := f.invocations[0].Request.Path
	for _, want := range []string{
		"/api/history/period/2026-03-07T12%3A30%3A45%2B00%3A00?",
		"end_time=2026-03-14T12%3A30%3A45%2B00%3A00",
		"filter_entity_id=light.kitchen",
	} {
		if !strings.Contains(path, want) {
			t.Errorf("path %s missing %s", path, want)
		}
	}

	if _, err := h.History(context.Background(), "", 0); err != nil {
		t.Fatal(err)
	}
	if p := f.invocations[1].Request.Path; !strings.Contains(p, "significant_changes_only=1") {
		t.Errorf("path %s", p)
	}
}

func TestLogbook(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, []map[string]any{{"name": "Kitchen", "message": "turned on"}}), nil
	}}
	h := newHub(f)
	res, err := h.Logbook(context.Background(), "light.kitchen", 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.ReturnedEntries != 1 || res.Hours != 2 || res.Truncated {
		t.Errorf("unexpected %+v", res)
	}
	if p := f.invocations[0].Request.Path; !strings.HasPrefix(p, "/api/logbook/") || !strings.Contains(p, "&entity=light.kitchen") {
		t.Errorf("path %s", p)
	}
}

func TestErrorLog(t *testing.T) {
	big := strings.Repeat("E", MaxResponseBytes+10)
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return &dispatch.Result{ContentType: "text/plain", Body: []byte(big)}, nil
	}}
	res, err := newHub(f).GetErrorLog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || len(res.Log) != MaxResponseBytes || res.TotalBytes != len(big) {
		t.Errorf("truncated=%t len=%d total=%d", res.Truncated, len(res.Log), res.TotalBytes)
	}
}

func TestErrorLogKeepsRunesWhole(t *testing.T) {
	text := "E" + strings.Repeat("é", MaxResponseBytes/2+10)
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return &dispatch.Result{ContentType: "text/plain", Body: []byte(text)}, nil
	}}
	res, err := newHub(f).GetErrorLog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || len(res.Log) != MaxResponseBytes-1 || !utf8.ValidString(res.Log) {
		t.Errorf("len=%d valid=%t", len(res.Log), utf8.ValidString(res.Log))
	}
	out, _ := json.Marshal(res)
	if strings.Contains(string(out), `\ufffd`) {
		t.Error("encoded log contains a replacement character")
	}
}

func TestErrorLogNotFound(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelREST, Status: 404, Cause: errors.New("resource not found")}
	}}
	res, err := newHub(f).GetErrorLog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Message, "not available") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestLovelaceConfig(t *testing.T) {
	f := &fakeDispatcher{respond: func(inv model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, map[string]any{"title": "Home", "views": []any{}}), nil
	}}
	h := newHub(f)
	res, err := h.LovelaceConfig(context.Background(), true, "dashboard-mobile")
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated || res.Config == nil {
		t.Errorf("unexpected %+v", res)
	}
	inv := f.invocations[0]
	if inv.Channel != transport.ChannelWebSocket || inv.Request.Command != "lovelace/config" {
		t.Errorf("unexpected invocation %+v", inv)
	}
	if inv.Request.Fields["force"] != true || inv.Request.Fields["url_path"] != "dashboard-mobile" {
		t.Errorf("fields %v", inv.Request.Fields)
	}
}

func TestLovelaceConfigSummary(t *testing.T) {
	cards := make([]map[string]any, 0, 200)
	for i := 0; i < 200; i++ {
		cards = append(cards, map[string]any{"type": "markdown", "content": strings.Repeat("x", 3000)})
	}
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, map[string]any{
			"title": "Home",
			"views": []any{map[string]any{"title": "Main", "path": "main", "cards": cards}},
		}), nil
	}}
	res, err := newHub(f).LovelaceConfig(context.Background(), false, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated || res.ViewsCount != 1 || res.Views[0].CardsCount != 200 || res.Config != nil {
		t.Errorf("unexpected summary %+v", res)
	}
}

func TestLovelaceConfigMissing(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelWebSocket, HubCode: "config_not_found",
			Cause: errors.New("command failed: No config found.")}
	}}
	res, err := newHub(f).LovelaceConfig(context.Background(), false, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Message, "YAML mode") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestDashboards(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, []map[string]any{{"url_path": "dashboard-mobile"}, {"url_path": "energy"}}), nil
	}}
	res, err := newHub(f).Dashboards(context.Background())
	if err != nil || res.Count != 2 {
		t.Errorf("count=%d err=%v", res.Count, err)
	}

	f.respond = func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelWebSocket, Cause: errors.New("unknown_command")}
	}
	res, err = newHub(f).Dashboards(context.Background())
	if err != nil || res.Error == "" {
		t.Errorf("expected graceful result, got %+v %v", res, err)
	}

	f.respond = func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.TransientTransportError{Channel: transport.ChannelWebSocket, Attempts: 3, Cause: errors.New("eof")}
	}
	if _, err := newHub(f).Dashboards(context.Background()); dispatch.CodeOf(err) != dispatch.CodeHubUnavailable {
		t.Errorf("transient failure should propagate, got %v", err)
	}
}

func TestDashboardsCredentialRejection(t *testing.T) {
	for _, pe := range []*dispatch.PermanentTransportError{
		{Channel: transport.ChannelWebSocket, HubCode: "auth_invalid", Cause: errors.New("invalid access token")},
		{Channel: transport.ChannelREST, Status: 401, Cause: errors.New("authentication failed")},
		{Channel: transport.ChannelREST, Status: 403, Cause: errors.New("access forbidden")},
	} {
		f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) { return nil, pe }}
		res, err := newHub(f).Dashboards(context.Background())
		if dispatch.CodeOf(err) != dispatch.CodeHubRejected || res != nil {
			t.Errorf("%v: expected hub_rejected error, got %+v %v", pe, res, err)
		}
	}
}

func TestCallService(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return jsonResult(t, []any{}), nil
	}}
	h := newHub(f)
	res, err := h.CallService(context.Background(), "light", "turn_on",
		map[string]any{"brightness": 255, "entity_id": "light.old"},
		map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Result != "Service called successfully" {
		t.Errorf("unexpected %+v", res)
	}
	inv := f.invocations[0]
	if inv.Kind != model.ServiceCall || inv.Service != "light.turn_on" {
		t.Errorf("unexpected invocation %+v", inv)
	}
	if inv.Payload["entity_id"] != "light.kitchen" || inv.Payload["brightness"] != 255 {
		t.Errorf("payload %v", inv.Payload)
	}

	if _, err := h.CallService(context.Background(), "light", "", nil, nil); dispatch.CodeOf(err) != dispatch.CodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCheckService(t *testing.T) {
	f := &fakeDispatcher{gate: authz.NewGate(&authz.Policy{Mode: model.ReadWrite, Allowlist: []string{"light.*"}})}
	h := newHub(f)

	res, err := h.CheckService("light", "turn_on")
	if err != nil || !res.Allowed {
		t.Errorf("light.turn_on: %+v %v", res, err)
	}
	res, err = h.CheckService("lock", "unlock")
	if err != nil || res.Allowed || res.Reason != "not_in_allowlist" || !strings.Contains(res.Message, "light.*") {
		t.Errorf("lock.unlock: %+v %v", res, err)
	}
	if len(f.invocations) != 0 {
		t.Error("check must not dispatch")
	}
}

func TestFullLogsFallback(t *testing.T) {
	f := &fakeDispatcher{respond: func(inv model.Invocation) (*dispatch.Result, error) {
		switch {
		case strings.HasPrefix(inv.Request.Command, "ha core logs"):
			return &dispatch.Result{ExitStatus: 127, Stderr: "ha: command not found"}, nil
		case strings.Contains(inv.Request.Command, "/var/log/home-assistant.log"):
			return &dispatch.Result{Body: []byte("line1\nline2\nline3")}, nil
		default:
			return &dispatch.Result{ExitStatus: 1}, nil
		}
	}}
	res, err := newHub(f).FullLogs(context.Background(), "core", 5000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != "tail /var/log/home-assistant.log" || res.ActualLines != 3 || res.RequestedLines != MaxLogLines {
		t.Errorf("unexpected %+v", res)
	}
	cmds := make([]string, 0, len(f.invocations))
	for _, inv := range f.invocations {
		if inv.Kind != model.SSHLog || inv.Request.Timeout != logCommandTimeout {
			t.Errorf("unexpected invocation %+v", inv)
		}
		cmds = append(cmds, inv.Request.Command)
	}
	want := []string{
		"ha core logs --lines 2000",
		"tail -n 2000 /config/home-assistant.log",
		"tail -n 2000 /var/log/home-assistant.log",
	}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %v", cmds)
	}
}

func TestFullLogsAllSourcesFail(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return &dispatch.Result{ExitStatus: 1}, nil
	}}
	_, err := newHub(f).FullLogs(context.Background(), "", 0)
	if err == nil || !strings.Contains(err.Error(), "journalctl") {
		t.Errorf("got %v", err)
	}
	if len(f.invocations) != 5 {
		t.Errorf("expected 5 attempts, got %d", len(f.invocations))
	}
	if !strings.HasPrefix(f.invocations[4].Request.Command, "journalctl -u home-assistant -n 500") {
		t.Errorf("last command %q", f.invocations[4].Request.Command)
	}
}

func TestFullLogsStopsOnDenial(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.AuthorizationError{Reason: model.ReasonSSHDisabled}
	}}
	_, err := newHub(f).FullLogs(context.Background(), "core", 100)
	if dispatch.CodeOf(err) != "ssh_disabled" || len(f.invocations) != 1 {
		t.Errorf("err=%v calls=%d", err, len(f.invocations))
	}
}

func TestFullLogsSkipsTimedOutSource(t *testing.T) {
	f := &fakeDispatcher{respond: func(inv model.Invocation) (*dispatch.Result, error) {
		if strings.HasPrefix(inv.Request.Command, "ha core logs") {
			return nil, &dispatch.TransientTransportError{Channel: transport.ChannelShell, Attempts: 3,
				Cause: errors.New("command timeout: context deadline exceeded")}
		}
		return &dispatch.Result{Body: []byte("line1\nline2")}, nil
	}}
	res, err := newHub(f).FullLogs(context.Background(), "core", 100)
	if err != nil {
		t.Fatalf("expected fallback to a log file, got %v", err)
	}
	if res.Source != "tail /config/home-assistant.log" || len(f.invocations) != 2 {
		t.Errorf("source=%q calls=%d", res.Source, len(f.invocations))
	}
}

func TestFullLogsAllSourcesUnavailable(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.TransientTransportError{Channel: transport.ChannelShell, Attempts: 3, Cause: errors.New("connection refused")}
	}}
	_, err := newHub(f).FullLogs(context.Background(), "core", 100)
	if dispatch.CodeOf(err) != dispatch.CodeHubUnavailable || len(f.invocations) != 5 {
		t.Errorf("err=%v calls=%d", err, len(f.invocations))
	}
}

func TestFullLogsStopsOnSSHRejection(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return nil, &dispatch.PermanentTransportError{Channel: transport.ChannelShell, Cause: errors.New("ssh authentication failed")}
	}}
	_, err := newHub(f).FullLogs(context.Background(), "core", 100)
	if dispatch.CodeOf(err) != dispatch.CodeHubRejected || len(f.invocations) != 1 {
		t.Errorf("err=%v calls=%d", err, len(f.invocations))
	}
}

func TestSupervisorLogs(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return &dispatch.Result{ExitStatus: 127, Stderr: "sh: ha: not found"}, nil
	}}
	_, err := newHub(f).FullLogs(context.Background(), "supervisor", 100)
	if err == nil || !strings.Contains(err.Error(), "HA OS or Supervised") {
		t.Errorf("got %v", err)
	}

	if _, err := newHub(f).FullLogs(context.Background(), "kernel", 100); dispatch.CodeOf(err) != dispatch.CodeValidation {
		t.Errorf("got %v", err)
	}
}

func TestFormatLogTruncates(t *testing.T) {
	line := strings.Repeat("x", 99) + "\n"
	content := strings.Repeat(line, MaxLogBytes/100+50)
	res := formatLog(content, "journalctl", 2000)
	if !res.Truncated || len(res.Log) > MaxLogBytes || res.ReturnedBytes != len(res.Log) {
		t.Errorf("truncated=%t len=%d", res.Truncated, len(res.Log))
	}
	if res.Log[len(res.Log)-1] != 'x' {
		t.Error("truncation should end at a line boundary")
	}
}

func TestFormatLogKeepsRunesWhole(t *testing.T) {
	content := "x" + strings.Repeat("€", MaxLogBytes/3+10)
	res := formatLog(content, "journalctl", 2000)
	if !res.Truncated || len(res.Log) > MaxLogBytes || !utf8.ValidString(res.Log) {
		t.Errorf("truncated=%t len=%d valid=%t", res.Truncated, len(res.Log), utf8.ValidString(res.Log))
	}
}

func TestSupervisorLogsStderrKeepsRunesWhole(t *testing.T) {
	f := &fakeDispatcher{respond: func(model.Invocation) (*dispatch.Result, error) {
		return &dispatch.Result{ExitStatus: 1, Stderr: "x" + strings.Repeat("ß", 150)}, nil
	}}
	_, err := newHub(f).FullLogs(context.Background(), "supervisor", 100)
	if err == nil || !utf8.ValidString(err.Error()) {
		t.Errorf("expected valid UTF-8 error, got %q", err)
	}
}

func TestShrink(t *testing.T) {
	items := make([]string, 100)
	for i := range items {
		items[i] = strings.Repeat("a", 100)
	}
	kept, shrunk := shrink(items, 1000)
	if !shrunk || encodedLen(kept) > 1000 || len(kept) == 0 {
		t.Errorf("kept %d items, shrunk=%t", len(kept), shrunk)
	}
	kept, shrunk = shrink(items[:2], 1000)
	if shrunk || len(kept) != 2 {
		t.Error("small input must pass through")
	}
}

// End to end through the real dispatcher and REST transport.
func TestHubOverREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/states":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(sampleStates())
		case r.Method == http.MethodPost && r.URL.Path == "/api/services/light/turn_on":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"entity_id":"light.kitchen","state":"on"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gate := authz.NewGate(&authz.Policy{Mode: model.ReadWrite, Allowlist: []string{"light.*"}})
	rest := transport.NewREST(transport.RESTConfig{BaseURL: srv.URL, Token: "tok"})
	retrier := transport.NewRetrier(transport.DefaultPolicy())
	d := dispatch.New(gate, map[transport.Channel]transport.Client{transport.ChannelREST: rest}, retrier,
		dispatch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	h := New(d)

	list, err := h.ListEntities(context.Background(), "light")
	if err != nil || list.Total != 2 {
		t.Fatalf("list: %+v %v", list, err)
	}
	res, err := h.CallService(context.Background(), "light", "turn_on", nil, map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatal(err)
	}
	if changed, ok := res.Result.([]any); !ok || len(changed) != 1 {
		t.Errorf("unexpected result %#v", res.Result)
	}
	if _, err := h.CallService(context.Background(), "lock", "unlock", nil, nil); dispatch.CodeOf(err) != "not_in_allowlist" {
		t.Errorf("lock.unlock: %v", err)
	}
	if _, err := h.GetEntity(context.Background(), "light.missing"); dispatch.CodeOf(err) != dispatch.CodeHubRejected {
		t.Errorf("missing entity: %v", err)
	}
}
