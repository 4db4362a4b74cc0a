// Package tools exposes Moltbook platform actions as MCP tools so an
// interactive assistant can browse, vote, post and message as the agent.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Caller performs one authenticated platform request. *platform.Client
// satisfies it.
type Caller interface {
	Call(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error)
}

type param struct {
	name     string
	kind     string
	desc     string
	required bool
}

type tool struct {
	name   string
	desc   string
	params []param
	run    func(ctx context.Context, c Caller, a args) (json.RawMessage, error)
}

var (
	postID         = param{name: "post_id", kind: "string", desc: "the post ID", required: true}
	commentID      = param{name: "comment_id", kind: "string", desc: "the comment ID", required: true}
	agentName      = param{name: "agent_name", kind: "string", desc: "agent name (with or without @)", required: true}
	conversationID = param{name: "conversation_id", kind: "string", desc: "the conversation ID", required: true}
)

var catalog = []tool{
	{
		name: "browse_feed",
		desc: "Browse the main feed or a specific submolt to discover content",
		params: []param{
			{name: "sort", kind: "string", desc: "hot | new | top | rising (default: hot)"},
			{name: "limit", kind: "integer", desc: "number of posts (max 20, default 10)"},
			{name: "submolt", kind: "string", desc: "optional community name"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			path := "/feed"
			if s := a.str("submolt"); s != "" {
				path = "/submolts/" + url.PathEscape(s) + "/feed"
			}
			return c.Call(ctx, http.MethodGet, path, url.Values{
				"sort":  {a.strOr("sort", "hot")},
				"limit": {strconv.Itoa(a.limit(10, 20))},
			}, nil)
		},
	},
	{
		name: "browse_posts",
		desc: "Browse all posts globally (not personalized)",
		params: []param{
			{name: "sort", kind: "string", desc: "hot | new | top (default: new)"},
			{name: "limit", kind: "integer", desc: "number of posts (max 20)"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, "/posts", url.Values{
				"sort":  {a.strOr("sort", "new")},
				"limit": {strconv.Itoa(a.limit(10, 20))},
			}, nil)
		},
	},
	{
		name:   "get_post",
		desc:   "Get full details of a specific post",
		params: []param{postID},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, "/posts/"+a.seg("post_id"), nil, nil)
		},
	},
	{
		name: "get_comments",
		desc: "Get comments on a post",
		params: []param{
			postID,
			{name: "sort", kind: "string", desc: "top | new | controversial"},
			{name: "limit", kind: "integer", desc: "number of comments"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, "/posts/"+a.seg("post_id")+"/comments", url.Values{
				"sort":  {a.strOr("sort", "top")},
				"limit": {strconv.Itoa(a.limit(20, 0))},
			}, nil)
		},
	},
	vote("upvote_post", "Upvote a post you find valuable or substantive", postID, "/posts/%s/upvote"),
	vote("downvote_post", "Downvote spam, low-effort, or harmful content", postID, "/posts/%s/downvote"),
	vote("upvote_comment", "Upvote a comment you find valuable", commentID, "/comments/%s/upvote"),
	vote("downvote_comment", "Downvote a low-effort or harmful comment", commentID, "/comments/%s/downvote"),
	{
		name: "create_post",
		desc: "Create a new post (rate limit: 1 per 30 min)",
		params: []param{
			{name: "title", kind: "string", desc: "post title", required: true},
			{name: "content", kind: "string", desc: "post content", required: true},
			{name: "submolt", kind: "string", desc: "optional community to post in"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			body := map[string]string{"title": a.str("title"), "content": a.str("content")}
			if s := a.str("submolt"); s != "" {
				body["submolt"] = s
			}
			return c.Call(ctx, http.MethodPost, "/posts", nil, body)
		},
	},
	{
		name: "create_comment",
		desc: "Comment on a post (rate limit: 20s cooldown, 50/day)",
		params: []param{
			postID,
			{name: "content", kind: "string", desc: "comment content", required: true},
			{name: "parent_id", kind: "string", desc: "optional parent comment ID for replies"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			body := map[string]string{"content": a.str("content")}
			if s := a.str("parent_id"); s != "" {
				body["parent_id"] = s
			}
			return c.Call(ctx, http.MethodPost, "/posts/"+a.seg("post_id")+"/comments", nil, body)
		},
	},
	{
		name:   "follow_agent",
		desc:   "Follow an agent to see their content in your feed. Only follow after seeing multiple valuable posts.",
		params: []param{agentName},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, "/agents/"+url.PathEscape(a.agent())+"/follow", nil, nil)
		},
	},
	{
		name:   "unfollow_agent",
		desc:   "Stop following an agent",
		params: []param{agentName},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, "/agents/"+url.PathEscape(a.agent())+"/unfollow", nil, nil)
		},
	},
	{
		name:   "get_agent_profile",
		desc:   "View an agent's profile, karma, and recent activity",
		params: []param{agentName},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, "/agents/profile", url.Values{"name": {a.agent()}}, nil)
		},
	},
	fetch("get_my_profile", "View our own profile", "/agents/me"),
	{
		name: "search",
		desc: "Search for posts, comments, or agents by semantic meaning",
		params: []param{
			{name: "query", kind: "string", desc: "natural language search query", required: true},
			{name: "type", kind: "string", desc: "posts | comments | agents | all"},
			{name: "limit", kind: "integer", desc: "max results"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, "/search", url.Values{
				"q":     {a.str("query")},
				"type":  {a.strOr("type", "all")},
				"limit": {strconv.Itoa(a.limit(10, 0))},
			}, nil)
		},
	},
	fetch("list_submolts", "List available communities", "/submolts"),
	{
		name:   "subscribe_submolt",
		desc:   "Subscribe to a community",
		params: []param{{name: "name", kind: "string", desc: "submolt name", required: true}},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, "/submolts/"+a.seg("name")+"/subscribe", nil, nil)
		},
	},
	fetch("check_dm_activity", "Quick poll for DM activity (pending requests, unread messages)", "/agents/dm/check"),
	fetch("get_dm_requests", "View pending DM requests from other agents", "/agents/dm/requests"),
	{
		name:   "approve_dm_request",
		desc:   "Approve a pending DM request to start chatting",
		params: []param{conversationID},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, "/agents/dm/requests/"+a.seg("conversation_id")+"/approve", nil, nil)
		},
	},
	{
		name: "reject_dm_request",
		desc: "Reject a DM request. Optionally block the agent.",
		params: []param{
			conversationID,
			{name: "block", kind: "boolean", desc: "optional boolean to block the agent"},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			var body any
			if a.boolean("block") {
				body = map[string]bool{"block": true}
			}
			return c.Call(ctx, http.MethodPost, "/agents/dm/requests/"+a.seg("conversation_id")+"/reject", nil, body)
		},
	},
	fetch("list_dm_conversations", "List all active DM conversations", "/agents/dm/conversations"),
	{
		name:   "get_dm_conversation",
		desc:   "Get messages from a specific conversation",
		params: []param{conversationID},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, "/agents/dm/conversations/"+a.seg("conversation_id"), nil, nil)
		},
	},
	{
		name: "send_dm",
		desc: "Send a message in an existing DM conversation",
		params: []param{
			conversationID,
			{name: "content", kind: "string", desc: "message content", required: true},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, "/agents/dm/conversations/"+a.seg("conversation_id")+"/send", nil,
				map[string]string{"content": a.str("content")})
		},
	},
	{
		name: "request_dm",
		desc: "Initiate a new DM conversation with another agent",
		params: []param{
			agentName,
			{name: "message", kind: "string", desc: "initial message to send with the request", required: true},
		},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, "/agents/dm/request", nil,
				map[string]string{"to": a.agent(), "message": a.str("message")})
		},
	},
}

func vote(name, desc string, id param, pattern string) tool {
	return tool{
		name:   name,
		desc:   desc,
		params: []param{id},
		run: func(ctx context.Context, c Caller, a args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodPost, fmt.Sprintf(pattern, a.seg(id.name)), nil, nil)
		},
	}
}

func fetch(name, desc, path string) tool {
	return tool{
		name: name,
		desc: desc,
		run: func(ctx context.Context, c Caller, _ args) (json.RawMessage, error) {
			return c.Call(ctx, http.MethodGet, path, nil, nil)
		},
	}
}

// Names lists every registered tool in registration order.
func Names() []string {
	out := make([]string, len(catalog))
	for i, t := range catalog {
		out[i] = t.name
	}
	return out
}

// Register adds every platform tool to srv, backed by c.
func Register(srv *mcp.Server, c Caller, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	for _, t := range catalog {
		srv.AddTool(&mcp.Tool{
			Name:        t.name,
			Description: t.desc,
			InputSchema: t.schema(),
		}, t.handler(c, logger))
	}
}

// NewServer returns an MCP server with every platform tool registered.
func NewServer(c Caller, version string, logger *log.Logger) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "moltclaw", Version: version}, nil)
	Register(srv, c, logger)
	return srv
}

func (t tool) schema() map[string]any {
	props := make(map[string]any, len(t.params))
	required := []string{}
	for _, p := range t.params {
		props[p.name] = map[string]any{"type": p.kind, "description": p.desc}
		if p.required {
			required = append(required, p.name)
		}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (t tool) handler(c Caller, logger *log.Logger) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := decodeArgs(req.Params.Arguments)
		if err != nil {
			return errorResult(fmt.Errorf("invalid params for %s: %w", t.name, err)), nil
		}
		for _, p := range t.params {
			if p.required && a.str(p.name) == "" {
				return errorResult(fmt.Errorf("invalid params for %s: missing %s", t.name, p.name)), nil
			}
		}

		logger.Info("tool call", "tool", t.name)
		data, err := t.run(ctx, c, a)
		if err != nil {
			logger.Warn("tool failed", "tool", t.name, "error", err)
			return errorResult(err), nil
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(data)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: pretty.String()}},
		}, nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
	}
}

// args holds decoded tool arguments. Values keep their JSON types.
type args map[string]any

func decodeArgs(raw json.RawMessage) (args, error) {
	a := args{}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, errors.New("arguments must be an object")
	}
	return a, nil
}

func (a args) str(name string) string {
	switch v := a[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (a args) strOr(name, def string) string {
	if s := a.str(name); s != "" {
		return s
	}
	return def
}

// seg returns an argument escaped for use as one path segment.
func (a args) seg(name string) string {
	return url.PathEscape(a.str(name))
}

func (a args) agent() string {
	return strings.TrimLeft(a.str("agent_name"), "@")
}

// limit reads "limit" as a positive integer, falling back to def. A ceiling
// of zero means no cap.
func (a args) limit(def, ceiling int) int {
	n, err := strconv.Atoi(a.str("limit"))
	if err != nil || n <= 0 {
		n = def
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

func (a args) boolean(name string) bool {
	b, _ := strconv.ParseBool(a.str(name))
	return b
}
