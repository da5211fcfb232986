package api

type route struct {
	method, path, summary string
	responses             map[string]string
	public                bool
}

var routes = []route{
	{method: "get", path: "/healthz", summary: "Liveness, uptime and queue depth", public: true,
		responses: map[string]string{"200": "Healthy"}},
	{method: "post", path: "/command", summary: "Route a prefixed command to its channel",
		responses: map[string]string{"202": "Accepted (routed or silently dropped)", "400": "Command too short or spans multiple lines", "503": "Channel closing"}},
	{method: "get", path: "/status", summary: "Completion flags and per-channel stats",
		responses: map[string]string{"200": "Status"}},
	{method: "get", path: "/status/{channel}", summary: "Stats for one channel",
		responses: map[string]string{"200": "Channel stats", "404": "Unknown channel"}},
	{method: "post", path: "/wait/{target}", summary: "Block until a channel or all channels are done",
		responses: map[string]string{"200": "Done", "400": "Invalid target or timeout", "504": "Timed out"}},
	{method: "get", path: "/journal", summary: "List finished commands",
		responses: map[string]string{"200": "Entries", "400": "Invalid filter", "404": "Journal disabled"}},
	{method: "get", path: "/journal/{id}", summary: "One finished command",
		responses: map[string]string{"200": "Entry", "404": "Not found"}},
	{method: "get", path: "/events", summary: "Server-sent event stream of channel activity",
		responses: map[string]string{"200": "text/event-stream", "400": "Unknown channel filter"}},
	{method: "get", path: "/openapi.json", summary: "This document",
		responses: map[string]string{"200": "OpenAPI document"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for every route.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{}
		for code, desc := range rt.responses {
			responses[code] = map[string]any{"description": desc}
		}
		if !rt.public {
			responses["401"] = map[string]any{"description": "Missing or invalid API key"}
		}

		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if !rt.public {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "bcibot",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
