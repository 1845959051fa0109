package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"warden/config"
	"warden/soar"

	"github.com/spf13/cobra"
)

func newPlaybooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbooks",
		Short: "Inspect and validate response playbooks",
	}
	cmd.AddCommand(newPlaybooksValidateCmd())
	cmd.AddCommand(newPlaybooksListCmd())
	return cmd
}

// validationResult is the outcome for one playbook file
type validationResult struct {
	File     string   `json:"file"`
	Playbook string   `json:"playbook,omitempty"`
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func newPlaybooksValidateCmd() *cobra.Command {
	var checkActions bool

	cmd := &cobra.Command{
		Use:   "validate [file|dir]...",
		Short: "Validate playbook files",
		Long: `Parse and validate playbook YAML files. Directories are scanned for .yaml
and .yml files. With no arguments the configured playbooks.dir is used.

With --check-actions every step action must be served by a built-in action
or a configured action provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if len(args) == 0 || checkActions {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if len(args) == 0 {
				args = []string{cfg.Playbooks.Dir}
			}

			files, err := playbookFiles(args)
			if err != nil {
				return err
			}

			var routed map[string]bool
			if checkActions {
				routed = configuredActions(cfg)
			}

			results := validatePlaybooks(files, routed)
			failed := 0
			for _, r := range results {
				if !r.Valid {
					failed++
				}
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				printValidation(out, results)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d playbooks failed validation", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkActions, "check-actions", false, "Require every step action to be routed")
	return cmd
}

func newPlaybooksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [dir]",
		Short: "List playbooks and their triggers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				dir = cfg.Playbooks.Dir
			}

			registry := soar.NewRegistry()
			if _, err := registry.LoadDir(dir); err != nil {
				return fmt.Errorf("failed to load playbooks: %w", err)
			}
			playbooks := registry.List()

			out := cmd.OutOrStdout()
			if outputJSON {
				return writeJSON(out, playbooks)
			}

			if len(playbooks) == 0 {
				warningColor.Fprintf(out, "No playbooks in %s\n", dir)
				return nil
			}
			headerColor.Fprintf(out, "%-24s %-40s %s\n", "NAME", "TRIGGER", "STEPS")
			for _, pb := range playbooks {
				fmt.Fprintf(out, "%-24s %-40s %d\n", pb.Name, describeTrigger(pb.Trigger), len(pb.Steps))
			}
			return nil
		},
	}
}

// playbookFiles expands directories into their YAML files
func playbookFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", p, err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no playbook files found")
	}
	return files, nil
}

// validatePlaybooks loads each file into one registry so duplicate names are reported.
// A nil routed map skips the action check.
func validatePlaybooks(files []string, routed map[string]bool) []validationResult {
	registry := soar.NewRegistry()
	owners := make(map[string]string)
	results := make([]validationResult, 0, len(files))

	for _, file := range files {
		res := validationResult{File: file}
		pb, err := registry.LoadFile(file)
		switch {
		case err != nil:
			res.Error = err.Error()
		case owners[pb.Name] != "":
			res.Playbook = pb.Name
			res.Error = fmt.Sprintf("playbook %q already defined in %s", pb.Name, owners[pb.Name])
		default:
			owners[pb.Name] = file
			res.Playbook = pb.Name
			res.Valid = true
			if routed != nil {
				if missing := unroutedActions(pb, routed); len(missing) > 0 {
					res.Valid = false
					res.Error = "no provider for actions: " + strings.Join(missing, ", ")
				}
			}
			if len(pb.Trigger.OnStatus) == 0 {
				res.Warnings = append(res.Warnings, "no trigger.on_status: runs on manual trigger only")
			}
		}
		results = append(results, res)
	}
	return results
}

// configuredActions returns the actions a service built from cfg can route
func configuredActions(cfg *config.Config) map[string]bool {
	routed := map[string]bool{
		soar.ActionIntelCheck: true,
		soar.ActionNotify:     true,
	}
	for _, p := range cfg.Playbooks.ActionProviders {
		for _, a := range p.Actions {
			routed[a] = true
		}
	}
	return routed
}

// unroutedActions lists the step and verify actions in pb that routed lacks
func unroutedActions(pb *soar.Playbook, routed map[string]bool) []string {
	missing := make(map[string]bool)
	var walk func(steps []soar.Step)
	walk = func(steps []soar.Step) {
		for _, s := range steps {
			if s.IsGroup() {
				walk(s.Parallel)
				continue
			}
			if !routed[s.Action] {
				missing[s.Action] = true
			}
			if s.Verify != nil && !routed[s.Verify.Action] {
				missing[s.Verify.Action] = true
			}
		}
	}
	walk(pb.Steps)

	out := make([]string, 0, len(missing))
	for a := range missing {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func describeTrigger(t soar.Trigger) string {
	if len(t.OnStatus) == 0 {
		return "manual"
	}
	statuses := make([]string, len(t.OnStatus))
	for i, s := range t.OnStatus {
		statuses[i] = string(s)
	}
	desc := "on " + strings.Join(statuses, "|")
	if t.MinSeverity != "" {
		desc += " >=" + strings.ToUpper(t.MinSeverity)
	}
	if len(t.IndicatorKinds) > 0 {
		kinds := make([]string, len(t.IndicatorKinds))
		for i, k := range t.IndicatorKinds {
			kinds[i] = string(k)
		}
		desc += " [" + strings.Join(kinds, ",") + "]"
	}
	return desc
}

func printValidation(out io.Writer, results []validationResult) {
	for _, r := range results {
		if r.Valid {
			successColor.Fprint(out, "OK   ")
			fmt.Fprintf(out, "%s (%s)\n", r.File, r.Playbook)
		} else {
			errorColor.Fprint(out, "FAIL ")
			fmt.Fprintf(out, "%s: %s\n", r.File, r.Error)
		}
		for _, w := range r.Warnings {
			warningColor.Fprintf(out, "     warning: %s\n", w)
		}
	}
}
