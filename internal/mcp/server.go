package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/wake/internal/engine"
	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/recurrence"
	"github.com/joescharf/wake/internal/sessions"
)

// Server exposes one user context as MCP tools.
type Server struct {
	engine  *engine.Engine
	snooze  models.SnoozePolicy
	version string
}

// NewServer creates the MCP server wrapper. snooze is the policy given to
// alarms created without one.
func NewServer(e *engine.Engine, snooze models.SnoozePolicy, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{engine: e, snooze: snooze, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("wake", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listAlarmsTool())
	srv.AddTool(s.createAlarmTool())
	srv.AddTool(s.setAlarmEnabledTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.dismissTool())
	srv.AddTool(s.snoozeTool())
	srv.AddTool(s.statusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type alarmOut struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Schedule string     `json:"schedule"`
	Location string     `json:"location,omitempty"`
	Enabled  bool       `json:"enabled"`
	Snooze   string     `json:"snooze"`
	NextFire *time.Time `json:"next_fire,omitempty"`
}

func (s *Server) toAlarmOut(def *models.AlarmDefinition) alarmOut {
	out := alarmOut{
		ID:       def.ID,
		Label:    def.Label,
		Schedule: def.Schedule(),
		Location: def.Location,
		Enabled:  def.Enabled,
		Snooze:   "off",
	}
	if def.Snooze.Enabled {
		out.Snooze = fmt.Sprintf("%s x%d", def.Snooze.Interval, def.Snooze.MaxCount)
	}
	if next, ok := recurrence.NextFireInstant(def, s.engine.Now()); ok {
		out.NextFire = &next
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// wake_list_alarms
func (s *Server) listAlarmsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_list_alarms",
		mcp.WithDescription("List the user's alarms. Returns a JSON array with id, label, schedule (e.g. \"07:00 mon,tue\" or \"06:30 on 2026-10-20\"), enabled, snooze policy and next_fire."),
		mcp.WithBoolean("enabled_only", mcp.Description("Only return enabled alarms")),
	)
	return tool, s.handleListAlarms
}

func (s *Server) handleListAlarms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabledOnly := request.GetBool("enabled_only", false)
	defs, err := s.engine.Alarms(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list alarms: %v", err)), nil
	}
	out := make([]alarmOut, 0, len(defs))
	for _, d := range defs {
		if enabledOnly && !d.Enabled {
			continue
		}
		out = append(out, s.toAlarmOut(d))
	}
	return jsonResult(out)
}

// wake_create_alarm
func (s *Server) createAlarmTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_create_alarm",
		mcp.WithDescription("Create an alarm. Give either days for a repeating alarm or date for a one-off. Returns the created alarm as JSON."),
		mcp.WithString("time", mcp.Required(), mcp.Description("Time of day, HH:MM or HH:MM:SS (24h)")),
		mcp.WithString("days", mcp.Description("Repeat days: mon-fri, weekdays, weekends, daily, or a list like mon,wed,fri")),
		mcp.WithString("date", mcp.Description("One-off date, YYYY-MM-DD")),
		mcp.WithString("label", mcp.Description("Alarm label")),
		mcp.WithString("location", mcp.Description("IANA time zone, e.g. Europe/Berlin (default: local)")),
		mcp.WithNumber("snooze_minutes", mcp.Description("Snooze interval in minutes; 0 disables snooze")),
		mcp.WithNumber("max_snoozes", mcp.Description("Maximum snoozes per ring")),
	)
	return tool, s.handleCreateAlarm
}

func (s *Server) handleCreateAlarm(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tod, err := request.RequireString("time")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: time"), nil
	}

	patch := &models.AlarmPatch{Time: &tod}
	for key, target := range map[string]**string{
		"days":     &patch.Days,
		"date":     &patch.Date,
		"label":    &patch.Label,
		"location": &patch.Location,
	} {
		if v := request.GetString(key, ""); v != "" {
			*target = &v
		}
	}

	policy := s.snooze
	args := request.GetArguments()
	if _, ok := args["snooze_minutes"]; ok {
		mins := request.GetFloat("snooze_minutes", 0)
		policy.Enabled = mins > 0
		policy.Interval = time.Duration(mins * float64(time.Minute))
	}
	if _, ok := args["max_snoozes"]; ok {
		policy.MaxCount = request.GetInt("max_snoozes", policy.MaxCount)
	}
	patch.Snooze = &policy

	def, err := models.NewAlarm(patch, s.snooze)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	created, err := s.engine.CreateAlarm(ctx, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create alarm: %v", err)), nil
	}
	return jsonResult(s.toAlarmOut(created))
}

// wake_set_alarm_enabled
func (s *Server) setAlarmEnabledTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_set_alarm_enabled",
		mcp.WithDescription("Enable or disable an alarm. A disabled alarm that triggers is suppressed instead of ringing."),
		mcp.WithString("alarm_id", mcp.Required(), mcp.Description("Alarm ID (full ULID or unique prefix)")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("true to enable, false to disable")),
	)
	return tool, s.handleSetAlarmEnabled
}

func (s *Server) handleSetAlarmEnabled(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("alarm_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: alarm_id"), nil
	}
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: enabled"), nil
	}
	def, err := s.engine.ResolveAlarm(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	updated, err := s.engine.SetEnabled(ctx, def.ID, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update alarm: %v", err)), nil
	}
	return jsonResult(s.toAlarmOut(updated))
}

// wake_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_list_sessions",
		mcp.WithDescription("List alarm sessions (one per ring, kept across snoozes). Returns a JSON array with id, alarm_id, state (ringing/snoozed/dismissed/suppressed), snooze_count and timestamps."),
		mcp.WithString("state", mcp.Description("State filter: ringing, snoozed, dismissed, suppressed, or live for ringing+snoozed")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var states []models.SessionState
	switch st := request.GetString("state", ""); st {
	case "":
	case "live":
		states = []models.SessionState{models.SessionStateRinging, models.SessionStateSnoozed}
	case string(models.SessionStateRinging), string(models.SessionStateSnoozed),
		string(models.SessionStateDismissed), string(models.SessionStateSuppressed):
		states = []models.SessionState{models.SessionState(st)}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalid state: %s", st)), nil
	}

	list, err := s.engine.ListSessions(ctx, states...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if list == nil {
		list = []*models.AlarmSession{}
	}
	return jsonResult(list)
}

// wake_dismiss
func (s *Server) dismissTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_dismiss",
		mcp.WithDescription("Dismiss a ringing or snoozed alarm session. Dismissing an already dismissed session is a no-op."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID (full ULID or unique prefix)")),
	)
	return tool, s.handleDismiss
}

func (s *Server) handleDismiss(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.transition(ctx, request, s.engine.Dismiss)
}

// wake_snooze
func (s *Server) snoozeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_snooze",
		mcp.WithDescription("Snooze a ringing alarm session. Fails when the alarm's snooze budget is spent or snooze is disabled."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID (full ULID or unique prefix)")),
	)
	return tool, s.handleSnooze
}

func (s *Server) handleSnooze(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.transition(ctx, request, s.engine.Snooze)
}

type transitionFunc func(ctx context.Context, sessionID string, method models.TransitionMethod) (*sessions.Result, error)

func (s *Server) transition(ctx context.Context, request mcp.CallToolRequest, fn transitionFunc) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.engine.ResolveSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := fn(ctx, sess.ID, models.MethodAPI)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if rerr := res.Err(); rerr != nil {
		return mcp.NewToolResultError(rerr.Error()), nil
	}
	return jsonResult(res)
}

// wake_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wake_status",
		mcp.WithDescription("Summarize the alarm clock: alarm counts, live sessions, the next scheduled trigger and pending offline edits."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
	}
	return jsonResult(st)
}
