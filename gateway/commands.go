package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/homepods/printbridge/errors"
)

// callContext carries one invocation's arguments. For HTTP calls the raw
// request is attached so body-reading handlers (file upload) can stream it;
// websocket calls leave it nil.
type callContext struct {
	args    map[string]any
	request *http.Request
}

func (c *callContext) stringArg(key string) string {
	if v, ok := c.args[key].(string); ok {
		return v
	}
	return ""
}

type commandHandler func(ctx context.Context, c *callContext) (any, error)

// command binds one name in the closed command set to its HTTP route and
// handler. The set is enumerated at startup; there is no runtime
// registration.
type command struct {
	name       string
	httpPath   string
	httpMethod string
	handler    commandHandler
}

// registerCommands builds the static command table. Duplicate names,
// duplicate routes, and missing handlers are startup errors.
func (g *Gateway) registerCommands() error {
	table := []*command{
		{"get_printer_info", "/printer/info", http.MethodGet, g.passthrough("/printer/info", "GET")},
		{"post_printer_restart", "/printer/restart", http.MethodPost, g.passthrough("/printer/restart", "POST")},
		{"get_printer_objects", "/printer/objects", http.MethodGet, g.listObjects},
		{"get_printer_status", "/printer/status", http.MethodGet, g.queryStatus},
		{"get_printer_subscriptions", "/printer/subscriptions", http.MethodGet, g.listSubscriptions},
		{"post_printer_subscriptions", "/printer/subscriptions", http.MethodPost, g.subscribe},
		{"post_printer_gcode", "/printer/gcode", http.MethodPost, g.runGcode},
		{"post_printer_print_pause", "/printer/print/pause", http.MethodPost, g.passthrough("/printer/print/pause", "POST")},
		{"post_printer_print_resume", "/printer/print/resume", http.MethodPost, g.passthrough("/printer/print/resume", "POST")},
		{"post_printer_print_cancel", "/printer/print/cancel", http.MethodPost, g.passthrough("/printer/print/cancel", "POST")},
		{"get_access_oneshot_token", "/access/oneshot_token", http.MethodGet, g.oneshotToken},
		{"get_access_api_key", "/access/api_key", http.MethodGet, g.getAPIKey},
		{"post_access_api_key", "/access/api_key", http.MethodPost, g.rotateAPIKey},
		{"get_server_info", "/server/info", http.MethodGet, g.serverInfo},
		{"get_server_temperature_store", "/server/temperature_store", http.MethodGet, g.temperatureStore},
		{"get_server_files", "/server/files", http.MethodGet, g.listFiles},
		{"post_server_files", "/server/files", http.MethodPost, g.uploadFile},
		{"delete_server_files", "", "", g.deleteFileCommand},
	}

	g.commands = make(map[string]*command, len(table))
	routes := make(map[string]string, len(table))
	for _, cmd := range table {
		if cmd.handler == nil {
			return errors.Wrap(errors.ErrInvalidConfig, "Gateway", "registerCommands",
				"command "+cmd.name+" has no handler")
		}
		if _, dup := g.commands[cmd.name]; dup {
			return errors.Wrap(errors.ErrInvalidConfig, "Gateway", "registerCommands",
				"duplicate command "+cmd.name)
		}
		if cmd.httpPath != "" {
			route := cmd.httpMethod + " " + cmd.httpPath
			if prev, dup := routes[route]; dup {
				return errors.Wrap(errors.ErrInvalidConfig, "Gateway", "registerCommands",
					"route "+route+" claimed by both "+prev+" and "+cmd.name)
			}
			routes[route] = cmd.name
		}
		g.commands[cmd.name] = cmd
	}
	return nil
}

// passthrough forwards a command to the host unchanged, carrying the
// client's arguments.
func (g *Gateway) passthrough(path, method string) commandHandler {
	return func(ctx context.Context, c *callContext) (any, error) {
		raw, err := g.deps.Requester.MakeRequest(ctx, path, method, c.args)
		if err != nil {
			return nil, err
		}
		return rawResult(raw), nil
	}
}

func (g *Gateway) listObjects(context.Context, *callContext) (any, error) {
	return map[string]any{"objects": g.deps.Status.AvailableObjects()}, nil
}

func (g *Gateway) queryStatus(ctx context.Context, c *callContext) (any, error) {
	objects := parseObjectArgs(c.args)
	if len(objects) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "Gateway", "queryStatus", "no objects requested")
	}
	return g.deps.Status.QueryStatus(ctx, objects)
}

func (g *Gateway) listSubscriptions(context.Context, *callContext) (any, error) {
	return map[string]any{"objects": g.deps.Status.Subscriptions()}, nil
}

func (g *Gateway) subscribe(ctx context.Context, c *callContext) (any, error) {
	objects := parseObjectArgs(c.args)
	if len(objects) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "Gateway", "subscribe", "no objects requested")
	}
	g.deps.Status.Subscribe(objects)
	return map[string]any{"objects": g.deps.Status.Subscriptions()}, nil
}

func (g *Gateway) runGcode(ctx context.Context, c *callContext) (any, error) {
	script := c.stringArg("script")
	if script == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "Gateway", "runGcode", "missing script")
	}
	raw, err := g.deps.Requester.MakeRequest(ctx, "/printer/gcode", "POST", map[string]any{"script": script})
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

func (g *Gateway) oneshotToken(context.Context, *callContext) (any, error) {
	return g.deps.Auth.IssueOneShotToken(), nil
}

func (g *Gateway) getAPIKey(context.Context, *callContext) (any, error) {
	return g.deps.Auth.APIKey(), nil
}

func (g *Gateway) rotateAPIKey(context.Context, *callContext) (any, error) {
	return g.deps.Auth.RotateAPIKey(), nil
}

func (g *Gateway) serverInfo(context.Context, *callContext) (any, error) {
	g.clientsMu.Lock()
	clients := len(g.clients)
	g.clientsMu.Unlock()
	return g.deps.Health.ServerInfo(clients), nil
}

func (g *Gateway) temperatureStore(context.Context, *callContext) (any, error) {
	return g.deps.Temperature.History(), nil
}

func (g *Gateway) listFiles(context.Context, *callContext) (any, error) {
	files, err := g.deps.Files.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": files}, nil
}

// uploadFile streams the HTTP request body into the store. Overwrites are
// mutations and pass through the guard first.
func (g *Gateway) uploadFile(ctx context.Context, c *callContext) (any, error) {
	if c.request == nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "Gateway", "uploadFile",
			"uploads require the HTTP endpoint")
	}
	filename := c.stringArg("filename")
	if filename == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "Gateway", "uploadFile", "missing filename")
	}

	if err := g.deps.Guard.CheckMutationAllowed(ctx, filename); err != nil {
		return nil, err
	}
	size, err := g.deps.Files.Save(filename, c.request.Body)
	if err != nil {
		return nil, err
	}

	g.Broadcast("filelist_changed", map[string]any{"action": "uploaded", "filename": filename})
	return map[string]any{"filename": filename, "size": size, "action": "uploaded"}, nil
}

// deleteFileCommand is the websocket path to deletion; HTTP carries the
// filename in the URL instead.
func (g *Gateway) deleteFileCommand(ctx context.Context, c *callContext) (any, error) {
	filename := c.stringArg("filename")
	if filename == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "Gateway", "deleteFileCommand", "missing filename")
	}
	return g.deleteFile(ctx, filename)
}

func (g *Gateway) deleteFile(ctx context.Context, filename string) (any, error) {
	if err := g.deps.Guard.CheckMutationAllowed(ctx, filename); err != nil {
		return nil, err
	}
	if err := g.deps.Files.Delete(filename); err != nil {
		return nil, err
	}
	g.Broadcast("filelist_changed", map[string]any{"action": "deleted", "filename": filename})
	return map[string]any{"filename": filename, "action": "deleted"}, nil
}

// rawResult keeps host payloads verbatim in the reply instead of
// re-encoding them.
func rawResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return "ok"
	}
	return raw
}

// parseObjectArgs normalizes the two client encodings of an object map:
// HTTP query arguments ("?toolhead=position,status&fan=") and JSON-RPC
// params ({"objects": {"toolhead": ["position"]}}). An empty attribute list
// means all attributes.
func parseObjectArgs(args map[string]any) map[string][]string {
	source := args
	if nested, ok := args["objects"].(map[string]any); ok {
		source = nested
	}

	objects := make(map[string][]string, len(source))
	for name, v := range source {
		switch val := v.(type) {
		case nil:
			objects[name] = nil
		case string:
			objects[name] = splitAttrs(val)
		case []string:
			objects[name] = val
		case []any:
			attrs := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok && s != "" {
					attrs = append(attrs, s)
				}
			}
			objects[name] = attrs
		}
	}
	return objects
}

func splitAttrs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	attrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			attrs = append(attrs, p)
		}
	}
	return attrs
}
