package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lanyardhq/lanyard/internal/config"
	"github.com/lanyardhq/lanyard/internal/daemon"
	"github.com/lanyardhq/lanyard/internal/setup"
	"github.com/lanyardhq/lanyard/internal/status"
	"github.com/lanyardhq/lanyard/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "set":
		runSet(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("lanyard %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	dir := "."
	name := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			dir = args[i]
		}
	}

	base, err := setup.Run(dir, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runDaemon(_ []string) {
	rootDir := mustFindRoot()

	cfg, err := config.Load(filepath.Join(rootDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(rootDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runGet(args []string) {
	var positional []string
	for _, a := range args {
		if a == "" || a[0] == '-' {
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: lanyard get <scope> [field]\n", a)
			os.Exit(1)
		}
		positional = append(positional, a)
	}
	if len(positional) < 1 || len(positional) > 2 {
		fmt.Fprintln(os.Stderr, "usage: lanyard get <scope> [field]")
		os.Exit(1)
	}

	params := daemon.GetParams{Scope: positional[0]}
	if len(positional) == 2 {
		params.Field = positional[1]
	}

	resp := send(uds.CmdConfigGet, params)
	var result daemon.GetResult
	decodeData(resp, &result)

	if !result.Found {
		if params.Field == "" {
			fmt.Fprintf(os.Stderr, "not found: scope %s is empty\n", params.Scope)
		} else {
			fmt.Fprintf(os.Stderr, "not found: %s.%s\n", params.Scope, params.Field)
		}
		os.Exit(1)
	}
	out, err := yamlv3.Marshal(result.Value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "render value: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
}

func runSet(args []string) {
	params, positional := parseEditFlags(args, "usage: lanyard set <scope> <field> <value> [options]")
	if len(positional) != 3 {
		fmt.Fprintln(os.Stderr, "usage: lanyard set <scope> <field> <value> [options]")
		os.Exit(1)
	}
	params.Scope = positional[0]
	params.Field = positional[1]
	params.Value = parseScalar(positional[2])

	finishEdit(send(uds.CmdConfigSet, params), params.Wait)
}

func runDelete(args []string) {
	params, positional := parseEditFlags(args, "usage: lanyard delete <scope> <field> [options]")
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "usage: lanyard delete <scope> <field> [options]")
		os.Exit(1)
	}
	params.Scope = positional[0]
	params.Field = positional[1]

	finishEdit(send(uds.CmdConfigDel, params), params.Wait)
}

// parseEditFlags pulls the shared edit options out of args and returns
// the remaining positional arguments.
func parseEditFlags(args []string, usage string) (daemon.EditParams, []string) {
	params := daemon.EditParams{Wait: true}
	var positional []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--severity":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--severity requires a value")
				os.Exit(1)
			}
			i++
			params.Severity = args[i]
		case "--no-validate":
			off := false
			params.Validate = &off
		case "--inclusive":
			on := true
			params.BlockInclusive = &on
		case "--no-wait":
			params.Wait = false
		case "--timeout":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value in seconds")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", args[i])
				os.Exit(1)
			}
			params.TimeoutSec = n
		case "--artifact":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--artifact requires a file path")
				os.Exit(1)
			}
			i++
			params.Artifacts = append(params.Artifacts, args[i])
		case "--description":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--description requires a value")
				os.Exit(1)
			}
			i++
			params.Description = args[i]
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
				os.Exit(1)
			}
			positional = append(positional, args[i])
		}
	}
	return params, positional
}

// parseScalar interprets a command line value the way a YAML document
// would: true/false, numbers, null, quoted strings.
func parseScalar(s string) any {
	var v any
	if err := yamlv3.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// finishEdit renders an edit response and picks the exit code: rejected
// or failed edits are not success.
func finishEdit(resp *uds.Response, waited bool) {
	if !waited {
		var submitted daemon.SubmitResult
		decodeData(resp, &submitted)
		fmt.Println(submitted.TaskID)
		return
	}

	var task daemon.TaskResult
	decodeData(resp, &task)
	printTask(task)

	if task.Rejected || task.Status != "succeeded" {
		os.Exit(1)
	}
}

func runTask(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: lanyard task <get|await|cancel|list> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "get":
		requireTaskID(args[1:], "usage: lanyard task get <task-id>")
		resp := send(uds.CmdTaskGet, daemon.TaskParams{TaskID: args[1]})
		var task daemon.TaskResult
		decodeData(resp, &task)
		printTask(task)
	case "await":
		requireTaskID(args[1:], "usage: lanyard task await <task-id> [timeout-sec]")
		params := daemon.TaskParams{TaskID: args[1]}
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid timeout: %s\n", args[2])
				os.Exit(1)
			}
			params.TimeoutSec = n
		}
		resp := send(uds.CmdTaskAwait, params)
		var task daemon.TaskResult
		decodeData(resp, &task)
		printTask(task)
	case "cancel":
		requireTaskID(args[1:], "usage: lanyard task cancel <task-id>")
		send(uds.CmdTaskCancel, daemon.TaskParams{TaskID: args[1]})
		fmt.Println("cancel requested")
	case "list":
		resp := send(uds.CmdTaskList, nil)
		var list daemon.ListResult
		decodeData(resp, &list)
		for _, task := range list.Tasks {
			fmt.Printf("%s  %-12s  %-10s  %s\n", task.TaskID, task.Scope, task.Status, task.Description)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: lanyard task <get|await|cancel|list> [options]")
		os.Exit(1)
	}
}

func requireTaskID(args []string, usage string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: lanyard status [--json]\n", a)
			os.Exit(1)
		}
	}

	rootDir := mustFindRoot()
	if err := status.Run(rootDir, jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runShutdown(_ []string) {
	send(uds.CmdShutdown, nil)
	fmt.Println("shutdown requested")
}

func printTask(task daemon.TaskResult) {
	fmt.Printf("task: %s\nstatus: %s\n", task.TaskID, task.Status)
	if task.Disposition != "" {
		fmt.Printf("disposition: %s\n", task.Disposition)
	}
	if task.Rejected {
		fmt.Println("rejected: validation findings blocked the change")
	}
	for _, p := range task.Problems {
		if p.Location != "" {
			fmt.Printf("  %s (%s): %s\n", p.Severity, p.Location, p.Message)
		} else {
			fmt.Printf("  %s: %s\n", p.Severity, p.Message)
		}
	}
	if task.Error != "" {
		fmt.Printf("error: %s\n", task.Error)
	}
	if task.RevertError != "" {
		fmt.Printf("revert error: %s\n", task.RevertError)
	}
}

// send issues one request to the daemon and exits on transport or
// application errors.
func send(command string, params any) *uds.Response {
	rootDir := mustFindRoot()
	client := uds.NewClient(filepath.Join(rootDir, uds.DefaultSocketName))

	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}
	return resp
}

func decodeData(resp *uds.Response, v any) {
	if err := json.Unmarshal(resp.Data, v); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
}

func mustFindRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
		os.Exit(1)
	}
	rootDir := setup.FindRoot(cwd)
	if rootDir == "" {
		fmt.Fprintln(os.Stderr, "error: .lanyard/ directory not found. Run 'lanyard setup <dir>' first.")
		os.Exit(1)
	}
	return rootDir
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lanyard %s — transactional configuration daemon

Usage: lanyard <command> [options]

Setup:
  setup [dir] [--name <name>]   Initialize .lanyard/ config root
  daemon                        Run the daemon process
  shutdown                      Ask the daemon to stop
  status [--json]               Show daemon, scope and task status

Edits:
  get <scope> [field]           Read a committed value
  set <scope> <field> <value>   Set a field through a transaction
  delete <scope> <field>        Delete a field through a transaction

  Edit options:
    --severity <level>    Blocking threshold: none|info|warning|error|fatal
    --no-validate         Skip validation for this edit
    --inclusive           Block at the threshold instead of above it
    --no-wait             Return the task id instead of waiting
    --timeout <sec>       Wait timeout (default 30)
    --artifact <path>     Stage a file alongside the edit (repeatable)
    --description <text>  Task description

Tasks:
  task get <task-id>            Show a task
  task await <task-id> [sec]    Wait for a task to finish
  task cancel <task-id>         Request cancellation
  task list                     List retained tasks

  version                       Show version
  help                          Show this help

`, version)
}
