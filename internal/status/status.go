// Package status reports the state of a config root: daemon liveness,
// managed scopes, and retained tasks.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lanyardhq/lanyard/internal/daemon"
	"github.com/lanyardhq/lanyard/internal/uds"
)

type RootStatus struct {
	Daemon DaemonStatus        `json:"daemon"`
	Scopes []ScopeStatus       `json:"scopes,omitempty"`
	Tasks  []daemon.TaskResult `json:"tasks,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type ScopeStatus struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Run gathers and prints the status of a config root.
func Run(rootDir string, jsonOutput bool, out io.Writer) error {
	status := Collect(rootDir)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(status, out)
	return nil
}

// Collect gathers status without printing it.
func Collect(rootDir string) RootStatus {
	status := RootStatus{}

	client := uds.NewClient(filepath.Join(rootDir, uds.DefaultSocketName))
	if resp, err := client.SendCommand(uds.CmdPing, nil); err == nil && resp.Success {
		status.Daemon.Running = true
		status.Tasks = listTasks(client)
	}

	status.Scopes = listScopes(rootDir)
	return status
}

func listTasks(client *uds.Client) []daemon.TaskResult {
	resp, err := client.SendCommand(uds.CmdTaskList, nil)
	if err != nil || !resp.Success {
		return nil
	}
	var list daemon.ListResult
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		return nil
	}
	return list.Tasks
}

func listScopes(rootDir string) []ScopeStatus {
	entries, err := os.ReadDir(filepath.Join(rootDir, "scopes"))
	if err != nil {
		return nil
	}

	var scopes []ScopeStatus
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		scopes = append(scopes, ScopeStatus{
			Name:      strings.TrimSuffix(name, ".yaml"),
			SizeBytes: info.Size(),
		})
	}
	return scopes
}

func printStatus(s RootStatus, out io.Writer) {
	if s.Daemon.Running {
		fmt.Fprintln(out, "Daemon: running")
	} else {
		fmt.Fprintln(out, "Daemon: stopped")
	}

	if len(s.Scopes) > 0 {
		fmt.Fprintln(out, "\nScopes:")
		for _, sc := range s.Scopes {
			fmt.Fprintf(out, "  %-20s  %6d bytes\n", sc.Name, sc.SizeBytes)
		}
	} else {
		fmt.Fprintln(out, "\nScopes: none")
	}

	if len(s.Tasks) > 0 {
		fmt.Fprintln(out, "\nTasks:")
		fmt.Fprintf(out, "  %-24s  %-12s  %-10s  %s\n", "ID", "SCOPE", "STATUS", "DESCRIPTION")
		for _, t := range s.Tasks {
			fmt.Fprintf(out, "  %-24s  %-12s  %-10s  %s\n", t.TaskID, t.Scope, t.Status, t.Description)
		}
	}
}
