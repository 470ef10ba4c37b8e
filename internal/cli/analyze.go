package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/lintd/pkg/analysis"
)

var (
	analyzeModule       string
	analyzeTimeout      time.Duration
	analyzeJSON         bool
	analyzeFailOnIssues bool
)

// errIssuesFound is returned by analyze --fail-on-issues when anything was reported
var errIssuesFound = errors.New("issues found")

var analyzeCmd = &cobra.Command{
	Use:   "analyze [files...]",
	Short: "Analyze files with the running daemon",
	Long: `Post a forced analysis to the running daemon and print the issues.
Without files, every file of --module is analyzed.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeModule, "module", "", "registered module key")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", time.Minute, "cancel the analysis after this long")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the raw outcome as JSON")
	analyzeCmd.Flags().BoolVar(&analyzeFailOnIssues, "fail-on-issues", false, "exit non-zero when issues are reported")
	rootCmd.AddCommand(analyzeCmd)
}

// analyzeOutcome mirrors the gateway's analysis.analyze result
type analyzeOutcome struct {
	AnalysisID string            `json:"analysisId"`
	Status     string            `json:"status"`
	Issues     []analysis.Issue  `json:"issues"`
	Results    *analysis.Results `json:"results,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if analyzeModule == "" && len(args) == 0 {
		return fmt.Errorf("either files or --module is required")
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newRPCClient(cfg)
	if err != nil {
		return err
	}

	files, err := analyzeFiles(analyzeModule, args)
	if err != nil {
		return err
	}
	params := map[string]interface{}{
		"trigger": string(analysis.TriggerForced),
		"wait":    true,
	}
	if analyzeModule != "" {
		params["moduleKey"] = analyzeModule
	}
	if len(files) > 0 {
		params["files"] = files
	}
	if analyzeTimeout > 0 {
		params["timeoutMs"] = analyzeTimeout.Milliseconds()
	}

	// the server cancels at timeoutMs; leave it room to answer
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if analyzeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, analyzeTimeout+5*time.Second)
		defer cancel()
	}

	var outcome analyzeOutcome
	if err := client.call(ctx, "analysis.analyze", params, &outcome); err != nil {
		return err
	}

	if err := printOutcome(cmd.OutOrStdout(), outcome, analyzeJSON); err != nil {
		return err
	}

	switch {
	case outcome.Status != "completed":
		if outcome.Error != "" {
			return fmt.Errorf("analysis %s: %s", outcome.Status, outcome.Error)
		}
		return fmt.Errorf("analysis %s", outcome.Status)
	case analyzeFailOnIssues && len(outcome.Issues) > 0:
		return errIssuesFound
	}
	return nil
}

// analyzeFiles makes paths absolute unless they are resolved against a module
func analyzeFiles(module string, args []string) ([]string, error) {
	if module != "" {
		return args, nil
	}
	files := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", arg, err)
		}
		files = append(files, abs)
	}
	return files, nil
}

func printOutcome(w io.Writer, outcome analyzeOutcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	for _, issue := range outcome.Issues {
		fmt.Fprintf(w, "%s %s [%s] %s\n", issueLocation(issue), issue.Severity, issue.RuleKey, issue.Message)
	}
	if outcome.Results != nil {
		fmt.Fprintf(w, "%d issue(s) in %d file(s), %s\n",
			len(outcome.Issues), outcome.Results.FilesAnalyzed, outcome.Results.Duration.Round(time.Millisecond))
		for _, failed := range outcome.Results.FailedFiles {
			fmt.Fprintf(w, "failed: %s\n", failed)
		}
	}
	return nil
}

// issueLocation renders file:line:col, with a 1-based column
func issueLocation(issue analysis.Issue) string {
	file := issue.FileURI
	if path, ok := fileURIPath(file); ok {
		file = path
	}
	if issue.TextRange == nil {
		return file
	}
	return fmt.Sprintf("%s:%d:%d", file, issue.TextRange.StartLine, issue.TextRange.StartLineOffset+1)
}

func fileURIPath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}
