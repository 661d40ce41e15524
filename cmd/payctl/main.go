// Command payctl is the operator CLI: upload invoice batches, watch
// workflow progress and inspect agent health from a terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Server string `long:"server" short:"s" env:"PAYFLOW_SERVER" default:"http://localhost:8080" description:"Platform base URL"`
}

var opts globalOptions

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusColor(s string) string {
	switch s {
	case "COMPLETED", "SUCCESS", "PASS", "RECONCILED", "COMPLIANT":
		return green(s)
	case "FAILED", "FAIL", "NON_COMPLIANT", "CANCELLED":
		return red(s)
	default:
		return yellow(s)
	}
}

// ============================================================================
// UPLOAD
// ============================================================================

type uploadCommand struct {
	Tenant  string `long:"tenant" short:"t" required:"true" description:"Tenant id"`
	BatchID string `long:"batch-id" description:"Explicit batch id (random when omitted)"`
	Watch   bool   `long:"watch" short:"w" description:"Poll workflow status until it settles"`
	Args    struct {
		File string `positional-arg-name:"FILE" required:"true"`
	} `positional-args:"true"`
}

func (c *uploadCommand) Execute([]string) error {
	data, err := os.ReadFile(c.Args.File)
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(c.Args.File))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.WriteField("tenant_id", c.Tenant); err != nil {
		return err
	}
	if c.BatchID != "" {
		if err := mw.WriteField("batch_id", c.BatchID); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	resp, err := http.Post(opts.Server+"/batches/upload", mw.FormDataContentType(), buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("upload rejected (%d): %s", resp.StatusCode, body)
	}

	var ack struct {
		BatchID          string `json:"batch_id"`
		WorkflowID       string `json:"workflow_id"`
		RecordsProcessed int    `json:"records_processed"`
		RecordsRejected  int    `json:"records_rejected"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return err
	}

	fmt.Printf("%s batch %s -> workflow %s (%d accepted, %d rejected)\n",
		green("accepted"), bold(ack.BatchID), ack.WorkflowID,
		ack.RecordsProcessed, ack.RecordsRejected)

	if c.Watch {
		return watchWorkflow(ack.WorkflowID)
	}
	return nil
}

// ============================================================================
// STATUS
// ============================================================================

type statusCommand struct {
	Watch bool `long:"watch" short:"w" description:"Poll until the workflow settles"`
	Args  struct {
		WorkflowID string `positional-arg-name:"WORKFLOW_ID" required:"true"`
	} `positional-args:"true"`
}

type workflowStatus struct {
	WorkflowID string            `json:"workflow_id"`
	BatchID    string            `json:"batch_id"`
	Status     string            `json:"status"`
	LastUpdate time.Time         `json:"last_update"`
	Errors     []string          `json:"errors"`
	LineStates map[string]string `json:"line_states"`
}

func fetchStatus(workflowID string) (*workflowStatus, error) {
	resp, err := http.Get(opts.Server + "/workflows/" + workflowID + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status fetch failed (%d): %s", resp.StatusCode, body)
	}
	var ws workflowStatus
	if err := json.Unmarshal(body, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

func printStatus(ws *workflowStatus) {
	fmt.Printf("%s %s  batch %s  %s\n",
		bold("workflow"), ws.WorkflowID, ws.BatchID, statusColor(ws.Status))
	for lineID, state := range ws.LineStates {
		fmt.Printf("  %-14s %s\n", lineID, statusColor(state))
	}
	for _, e := range ws.Errors {
		fmt.Printf("  %s %s\n", red("error:"), e)
	}
}

func watchWorkflow(workflowID string) error {
	for {
		ws, err := fetchStatus(workflowID)
		if err != nil {
			return err
		}
		if ws.Status != "RUNNING" {
			printStatus(ws)
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (c *statusCommand) Execute([]string) error {
	if c.Watch {
		return watchWorkflow(c.Args.WorkflowID)
	}
	ws, err := fetchStatus(c.Args.WorkflowID)
	if err != nil {
		return err
	}
	printStatus(ws)
	return nil
}

// ============================================================================
// AGENTS
// ============================================================================

type agentsCommand struct{}

func (c *agentsCommand) Execute([]string) error {
	resp, err := http.Get(opts.Server + "/agents")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Agents []struct {
			Name       string    `json:"name"`
			State      string    `json:"status"`
			LastRun    time.Time `json:"last_run"`
			ErrorCount int       `json:"error_count"`
		} `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	fmt.Printf("%-8s %-9s %-25s %s\n", bold("AGENT"), bold("STATE"), bold("LAST RUN"), bold("ERRORS"))
	for _, a := range out.Agents {
		last := "-"
		if !a.LastRun.IsZero() {
			last = a.LastRun.Format(time.RFC3339)
		}
		fmt.Printf("%-8s %-18s %-25s %d\n", a.Name, statusColor(a.State), last, a.ErrorCount)
	}
	return nil
}

// ============================================================================
// TRANSACTION
// ============================================================================

type txCommand struct {
	Args struct {
		TransactionID string `positional-arg-name:"TRANSACTION_ID" required:"true"`
	} `positional-args:"true"`
}

func (c *txCommand) Execute([]string) error {
	resp, err := http.Get(opts.Server + "/transactions/" + c.Args.TransactionID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lookup failed (%d): %s", resp.StatusCode, body)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return err
	}
	fmt.Println(pretty.String())
	return nil
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("upload", "Upload an invoice batch",
		"Upload a CSV or JSON invoice file and start its workflow.", &uploadCommand{})
	parser.AddCommand("status", "Show workflow status",
		"Show the state of every line in a workflow.", &statusCommand{})
	parser.AddCommand("agents", "Show agent health",
		"List every agent with its state and error count.", &agentsCommand{})
	parser.AddCommand("tx", "Inspect a transaction",
		"Show a transaction with every decision recorded against it.", &txCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
