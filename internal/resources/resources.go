// Package resources declares the read-only backend views exposed to MCP
// clients. Every declaration is served both as a resource and as a tool.
package resources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/secinv-io/secinv-mcp/internal/registry"
)

// Backend is the transport used by every declaration.
type Backend interface {
	Get(ctx context.Context, path string, params map[string]any) (any, error)
}

type declaration struct {
	name        string
	template    string
	path        string
	query       map[string]string
	params      []registry.Param
	forwardURI  bool
	description string
}

var declarations = []declaration{
	{
		name:        "aiApplications",
		template:    "aiApplications",
		path:        "v1/ai/usages",
		description: "Projects that use AI models, with provider, model, version, license, call site, source link and security classification (SAFE, REMOTE, UNSAFE).",
	},
	{
		name:     "aiModelInfo",
		template: "aiModelInfo/{provider}/{modelName}",
		path:     "v1/ai/providers/{provider}/models",
		query:    map[string]string{"name": "modelName"},
		params: []registry.Param{
			{Name: "provider", Type: registry.String, Description: "AI provider, for example OPENAI, HUGGINGFACE or GEMINI"},
			{Name: "modelName", Type: registry.String, Description: "Model name, for example gpt-4 or llama-2-7b"},
		},
		description: "Metadata and usage of one model from one AI provider.",
	},
	{
		name:        "licenseInventory",
		template:    "licenseInventory",
		path:        "v1/licenses",
		description: "Every effective open source license detected in the organization with its policy severity (APPROVED, POTENTIAL_RISK, DENIED).",
	},
	{
		name:        "licenseProjects",
		template:    "licenseProjects",
		path:        "v1/licenses/projects/stats",
		description: "License issue counts per project grouped by severity, from the last license analysis.",
	},
	{
		name:     "projectLicenseDetails",
		template: "projectLicenseDetails/{project_id}",
		path:     "v1/licenses/projects/{project_id}",
		params: []registry.Param{
			{Name: "project_id", Type: registry.Integer, Description: "Project ID"},
		},
		description: "Direct and transitive dependencies of one project with their licenses and policy violations.",
	},
	{
		name:        "licensePolicies",
		template:    "licensePolicies",
		path:        "v1/licenses/policies",
		description: "License policies configured for the organization with their severity mappings and rules.",
	},
	{
		name:        "vulnerabilityStats",
		template:    "vulnerabilityStats",
		path:        "v1/vulnerabilities/projects/stats",
		description: "Vulnerability totals across all projects by severity and status, with trends and remediation metrics.",
	},
	{
		name:        "vulnerability.searchIssues",
		template:    "vulnerability.searchIssues",
		path:        "v1/vulnerabilities/issues",
		forwardURI:  true,
		description: "Individual vulnerability issues (CVE, GHSA) with severity, CVSS, fix path and reachability. Filters in the resource URI query are passed to the backend.",
	},
	{
		name:     "vulnerability.issueReachability",
		template: "vulnerability.issueReachability/{projectId}/{issueId}",
		path:     "v1/vulnerabilities/projects/{projectId}/issues/{issueId}/reachability",
		params: []registry.Param{
			{Name: "projectId", Type: registry.Integer, Description: "Project ID"},
			{Name: "issueId", Type: registry.Integer, Description: "Vulnerability issue ID"},
		},
		description: "Reachability analysis and evidence for one vulnerability issue in one project.",
	},
	{
		name:        "slaConfig",
		template:    "slaConfig",
		path:        "v1/sla/config",
		description: "Resolution deadlines in days by severity and reachability. Fields are null when no SLA is configured.",
	},
}

// Register adds every declaration to reg.
func Register(reg *registry.Registry, backend Backend) error {
	for _, d := range declarations {
		if err := reg.Register(d.descriptor(reg.Scheme(), backend)); err != nil {
			return fmt.Errorf("register %s: %w", d.name, err)
		}
	}
	return nil
}

// Names returns the declared names in registration order.
func Names() []string {
	names := make([]string, len(declarations))
	for i, d := range declarations {
		names[i] = d.name
	}
	return names
}

func (d declaration) descriptor(scheme string, backend Backend) registry.Descriptor {
	return registry.Descriptor{
		Name:        d.name,
		URI:         scheme + "://" + d.template,
		Description: d.description,
		MimeType:    "application/json",
		Params:      d.params,
		Handler:     d.handler(backend),
	}
}

func (d declaration) handler(backend Backend) registry.Handler {
	return func(ctx context.Context, args registry.Args) (any, error) {
		path := expandPath(d.path, args)

		var params map[string]any
		if d.forwardURI && len(args.Query) > 0 {
			params = make(map[string]any, len(args.Query))
			for key, values := range args.Query {
				params[key] = values
			}
		}
		for key, arg := range d.query {
			if params == nil {
				params = make(map[string]any, len(d.query))
			}
			params[key] = args.String(arg)
		}

		return backend.Get(ctx, path, params)
	}
}

// expandPath replaces each {name} with the escaped argument value.
func expandPath(path string, args registry.Args) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			b.WriteString(path)
			return b.String()
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			b.WriteString(path)
			return b.String()
		}
		end += start

		b.WriteString(path[:start])
		b.WriteString(url.PathEscape(args.String(path[start+1 : end])))
		path = path[end+1:]
	}
}
