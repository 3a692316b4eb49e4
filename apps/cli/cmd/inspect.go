package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/output"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink"
)

var (
	inspectOutputFlag     string
	inspectExtractFlag    []string
	inspectQueryFlag      string
	inspectSQLFlag        string
	inspectVerboseFlag    bool
	inspectNoValidateFlag bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <capture.har|capture.db>",
	Short: "List, validate and query a capture file",
	Long: `Inspect a capture written by 'hitcapture serve'.

HAR files are validated against the HAR 1.2 structure and listed one entry per
line. Values can be pulled out of each entry with --extract, or out of the
whole document with a gjson path. SQLite captures are queried with SQL.

Examples:
  hitcapture inspect hitcapture-20260314T150926.har
  hitcapture inspect capture.har --extract body:data.id --extract header:Content-Type
  hitcapture inspect capture.har --query 'log.entries.#.request.url'
  hitcapture inspect capture.har --output json
  hitcapture inspect capture.db --sql 'SELECT status, COUNT(*) FROM entries GROUP BY status'`,
	Args: cobra.ExactArgs(1),
	RunE: inspectCommand,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectOutputFlag, "output", "o", "console", "Output format: console, json")
	inspectCmd.Flags().StringArrayVarP(&inspectExtractFlag, "extract", "e", nil, "Value to extract from each entry: body:<path>, header:<name>, status, duration")
	inspectCmd.Flags().StringVar(&inspectQueryFlag, "query", "", "gjson path evaluated against the whole HAR document")
	inspectCmd.Flags().StringVar(&inspectSQLFlag, "sql", "", "SQL query for SQLite captures (default lists entries)")
	inspectCmd.Flags().BoolVarP(&inspectVerboseFlag, "verbose", "v", false, "Show errors and content details per entry")
	inspectCmd.Flags().BoolVar(&inspectNoValidateFlag, "no-validate", false, "Skip HAR structure validation")
}

func inspectCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	path := args[0]

	if isSQLite(path) {
		return inspectDatabase(out, path, inspectSQLFlag)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}
	if !inspectNoValidateFlag {
		if err := har.Validate(data); err != nil {
			return withCode(ExitInvalidCapture, err)
		}
	}

	if inspectQueryFlag != "" {
		return inspectQuery(out, data, inspectQueryFlag)
	}

	exprs := make([]capture.Expression, 0, len(inspectExtractFlag))
	for _, s := range inspectExtractFlag {
		e, err := capture.ParseExpression(s)
		if err != nil {
			return withCode(ExitUsageError, err)
		}
		exprs = append(exprs, e)
	}

	h, err := har.Read(bytes.NewReader(data))
	if err != nil {
		return withCode(ExitInvalidCapture, fmt.Errorf("failed to parse capture: %w", err))
	}

	switch strings.ToLower(inspectOutputFlag) {
	case "json":
		return output.NewJSONFormatter(output.JSONWithWriter(out)).Format(h, exprs)
	case "console", "":
		f := output.NewConsoleFormatter(
			output.WithWriter(out),
			output.WithVerbose(inspectVerboseFlag),
			output.WithNoColor(cfg.GetNoColor()),
		)
		f.FormatEntries(h, exprs)
		f.FormatSummary("", har.Summarize(h))
		return nil
	default:
		return withCode(ExitUsageError, fmt.Errorf("unsupported output format %q (use console or json)", inspectOutputFlag))
	}
}

func isSQLite(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

func inspectQuery(out io.Writer, data []byte, path string) error {
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return fmt.Errorf("no value at %q", path)
	}
	if result.IsArray() {
		for _, item := range result.Array() {
			fmt.Fprintln(out, item.String())
		}
		return nil
	}
	fmt.Fprintln(out, result.String())
	return nil
}

func inspectDatabase(out io.Writer, path, query string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	client, err := sink.NewClient("sqlite:" + path)
	if err != nil {
		return err
	}
	defer client.Close()

	if query == "" {
		query = "SELECT id, status, method, url, time_ms FROM entries ORDER BY started_at"
	}
	result, err := client.Query(query)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			if v := row[col]; v != nil {
				cells[i] = fmt.Sprintf("%v", v)
			}
		}
		fmt.Fprintln(out, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(out, "(%d rows)\n", len(result.Rows))
	return nil
}
