package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatYAML:
		return p.printYAML(data)
	default:
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// TaskRow represents a task in table output
type TaskRow struct {
	Slug     string `json:"slug" yaml:"slug"`
	ID       string `json:"id" yaml:"id"`
	Status   string `json:"status" yaml:"status"`
	Agent    string `json:"agent" yaml:"agent"`
	Repo     string `json:"repo" yaml:"repo"`
	Branch   string `json:"branch,omitempty" yaml:"branch,omitempty"`
	VM       string `json:"vm,omitempty" yaml:"vm,omitempty"`
	PRURL    string `json:"pr_url,omitempty" yaml:"pr_url,omitempty"`
	Created  string `json:"created" yaml:"created"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func (p *Printer) statusColor(status string) string {
	switch status {
	case "completed", "ready":
		return Green
	case "failed", "error":
		return Red
	case "running", "assigned", "provisioning":
		return Yellow
	default:
		return Gray
	}
}

// PrintTasks prints the task list
func (p *Printer) PrintTasks(rows []TaskRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No tasks found")
		return nil
	}

	w := p.TableWriter()
	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "TASK\tSTATUS\tAGENT\tREPO\tBRANCH\tVM\tPR\tCREATED\tDURATION"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "TASK\tSTATUS\tAGENT\tREPO\tCREATED"))
	}
	for _, row := range rows {
		status := p.Colorize(p.statusColor(row.Status), row.Status)
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.Slug), status, row.Agent, row.Repo,
				row.Branch, row.VM, row.PRURL, row.Created, row.Duration)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.Slug), status, row.Agent, row.Repo, row.Created)
		}
	}
	return w.Flush()
}

// TaskDetail represents detailed task info
type TaskDetail struct {
	ID        string `json:"id" yaml:"id"`
	Slug      string `json:"slug" yaml:"slug"`
	Status    string `json:"status" yaml:"status"`
	Agent     string `json:"agent" yaml:"agent"`
	Repo      string `json:"repo" yaml:"repo"`
	Context   string `json:"context" yaml:"context"`
	Branch    string `json:"branch,omitempty" yaml:"branch,omitempty"`
	VM        string `json:"vm,omitempty" yaml:"vm,omitempty"`
	Result    string `json:"result,omitempty" yaml:"result,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	PRURL     string `json:"pr_url,omitempty" yaml:"pr_url,omitempty"`
	Created   string `json:"created" yaml:"created"`
	Started   string `json:"started,omitempty" yaml:"started,omitempty"`
	Completed string `json:"completed,omitempty" yaml:"completed,omitempty"`
}

// PrintTaskDetail prints detailed task info
func (p *Printer) PrintTaskDetail(d TaskDetail) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(d)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Task:"), p.Colorize(Cyan, d.Slug))
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "ID:"), d.ID)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Status:"), p.Colorize(p.statusColor(d.Status), d.Status))
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Agent:"), d.Agent)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Repo:"), d.Repo)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Context:"), d.Context)
	if d.Branch != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Branch:"), d.Branch)
	}
	if d.VM != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "VM:"), d.VM)
	}
	if d.ExitCode != nil {
		fmt.Fprintf(p.writer, "  %s %d\n", p.Colorize(Gray, "Exit Code:"), *d.ExitCode)
	}
	if d.Result != "" {
		fmt.Fprintf(p.writer, "  %s\n", p.Colorize(Gray, "Result:"))
		for _, line := range strings.Split(strings.TrimRight(d.Result, "\n"), "\n") {
			fmt.Fprintf(p.writer, "    %s\n", line)
		}
	}
	if d.PRURL != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "PR:"), p.Colorize(Green, d.PRURL))
	}
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Created:"), d.Created)
	if d.Started != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Started:"), d.Started)
	}
	if d.Completed != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Completed:"), d.Completed)
	}
	return nil
}

// SlotRow represents one pool slot in table output
type SlotRow struct {
	Slot         string `json:"slot" yaml:"slot"`
	Provider     string `json:"provider" yaml:"provider"`
	Ready        int    `json:"ready" yaml:"ready"`
	Assigned     int    `json:"assigned" yaml:"assigned"`
	Provisioning int    `json:"provisioning" yaml:"provisioning"`
	Errors       int    `json:"errors" yaml:"errors"`
	Max          int    `json:"max" yaml:"max"`
	IdleTimeout  string `json:"idle_timeout" yaml:"idle_timeout"`
}

// PrintSlots prints pool occupancy
func (p *Printer) PrintSlots(rows []SlotRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No slots configured")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "SLOT\tPROVIDER\tREADY\tASSIGNED\tPROVISIONING\tERRORS\tMAX\tIDLE-TTL"))
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			p.Colorize(Cyan, row.Slot), row.Provider, row.Ready, row.Assigned,
			row.Provisioning, row.Errors, row.Max, row.IdleTimeout)
	}
	return w.Flush()
}

// ImageRow represents one image in table output
type ImageRow struct {
	Provider string `json:"provider" yaml:"provider"`
	Ref      string `json:"ref" yaml:"ref"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Synced   string `json:"synced,omitempty" yaml:"synced,omitempty"`
}

// PrintImages prints the image list
func (p *Printer) PrintImages(rows []ImageRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No images found")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "PROVIDER\tREF\tNAME\tSYNCED"))
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.Provider, p.Colorize(Cyan, row.Ref), row.Name, row.Synced)
	}
	return w.Flush()
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
