// nebula-mcp-bridge exposes a Nebula deployment as MCP tools, allowing any
// MCP-compatible AI host to read records, invoke actions, and enroll itself.
//
// Add to an MCP host config:
//
//	{
//	  "mcpServers": {
//	    "nebula": {
//	      "command": "/path/to/nebula-mcp-bridge",
//	      "args": ["--server", "http://localhost:8080"],
//	      "env": {"NEBULA_API_KEY": "nbl_..."}
//	    }
//	  }
//	}
//
// Without a credential the bridge starts in bootstrap mode: only the three
// agent_enroll_* tools work until enrollment is approved and redeemed.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/nebula-cp/nebula/internal/mcpbridge"
	"github.com/nebula-cp/nebula/pkg/client"
)

var (
	serverURL string
	apiKey    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nebula-mcp-bridge",
	Short: "MCP bridge for the Nebula control plane",
	Long: `nebula-mcp-bridge is a stdio MCP server that exposes Nebula to any
MCP-compatible AI host:

  create_*/update_* — every mutation action, with approval interception
                      surfaced as an approval_required result
  get_*/list_*      — the scope-filtered read surface
  agent_enroll_*    — the bootstrap enrollment flow for unenrolled agents

The bridge runs in stdio mode (the MCP standard for local servers).
All logging goes to stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Nebula server URL")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "API key (defaults to NEBULA_API_KEY)")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.New(os.Stderr, "[nebula-mcp] ", log.LstdFlags)

	cred := apiKey
	if cred == "" {
		cred = os.Getenv("NEBULA_API_KEY")
	}

	opts := []client.Option{}
	if cred != "" {
		opts = append(opts, client.WithCredential(cred))
	} else {
		logger.Printf("no credential; starting in bootstrap mode — only agent_enroll_* tools are available")
	}

	c := client.New(serverURL, opts...)
	tools := mcpbridge.NewToolRegistry(c, cred != "")
	server := mcpbridge.NewServer(os.Stdout, tools, logger)

	logger.Printf("Nebula MCP bridge ready — server: %s", serverURL)

	return server.Serve(cmd.Context(), os.Stdin)
}
