// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cerisectl is a thin command-line client for cerised's REST
// facade: submit workflows, inspect job state, and request cancellation
// or deletion.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arnikz/cerise/internal/cliclient"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverFlag string
	jsonFlag   bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cerisectl",
		Short: "Command-line client for a cerised job lifecycle daemon",
		Long: `cerisectl talks to a running cerised instance's REST API to submit
CWL workflow executions, inspect their progress, and cancel or delete them.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverFlag, "server", envOrDefault("CERISECTL_SERVER", "http://localhost:29593"), "cerised base URL")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit machine-readable JSON output")

	root.AddCommand(
		newSubmitCommand(),
		newGetCommand(),
		newListCommand(),
		newCancelCommand(),
		newDeleteCommand(),
		newVersionCommand(),
		newFlagsCommand(root),
	)
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *cliclient.Client {
	return cliclient.New(serverFlag)
}

func newSubmitCommand() *cobra.Command {
	var name, workflow, input string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a CWL workflow for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().Submit(cmd.Context(), name, workflow, input)
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable job name")
	cmd.Flags().StringVar(&workflow, "workflow", "", "CWL document location (file://, http(s):// or API-relative)")
	cmd.Flags().StringVar(&input, "input", "{}", "JSON document describing workflow inputs")
	cmd.MarkFlagRequired("workflow")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Fetch one job's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

func newListCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Enumerate jobs, optionally narrowed by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := client().List(cmd.Context(), state)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(cmd, jobs)
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.ID, job.State, job.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by lifecycle state, e.g. Running")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Tear down a job's remote and local state and remove its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{"version": version, "commit": commit, "build_date": buildDate}
			if jsonFlag {
				return printJSON(cmd, info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cerisectl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// flagMetadata mirrors one persistent flag's definition, for cerisectl
// flags' machine-readable listing.
type flagMetadata struct {
	Name     string `json:"name"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required"`
}

// newFlagsCommand returns a hidden diagnostic command that lists the root
// command's persistent flags, visited directly through pflag rather than
// through cobra's own help renderer.
func newFlagsCommand(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:    "flags",
		Short:  "List global flags as JSON",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var flags []flagMetadata
			root.PersistentFlags().VisitAll(func(f *pflag.Flag) {
				flags = append(flags, flagMetadata{
					Name:    f.Name,
					Usage:   f.Usage,
					Default: f.DefValue,
				})
			})
			return printJSON(cmd, flags)
		},
	}
}

func printJob(cmd *cobra.Command, job any) error {
	if jsonFlag {
		return printJSON(cmd, job)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
