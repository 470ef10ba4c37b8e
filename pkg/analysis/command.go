package analysis

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/lintd/internal/tracing"
	"github.com/harun/lintd/pkg/cancel"
	"github.com/harun/lintd/pkg/promise"
	"github.com/harun/lintd/pkg/scheduler"
)

// TriggerType tells why an analysis was requested
type TriggerType string

const (
	TriggerAuto   TriggerType = "auto"
	TriggerForced TriggerType = "forced"
)

// ConfigSupplier builds the configuration of an analysis when it starts running
type ConfigSupplier func(ctx context.Context) (*Configuration, error)

// AnalyzeRequest describes one analysis
type AnalyzeRequest struct {
	// AnalysisID is generated when empty
	AnalysisID string
	// ModuleKey is optional; an empty key analyzes files outside any module
	ModuleKey string
	Trigger   TriggerType
	// ConfigSupplier defaults to resolving Files in the module with the engine's rules
	ConfigSupplier  ConfigSupplier
	IssueListener   IssueListener
	AnalysisStarted func(files []InputFile)
	Ready           func() bool
	// Token is shared with the caller so it can cancel the analysis; created when nil
	Token           *cancel.Token
	Files           []string
	ExtraProperties map[string]string
	// Rules override the engine default rules
	Rules []ActiveRule
	// Contents holds unsaved editor buffers keyed by the path given in Files
	Contents map[string]string
}

// Results summarizes a finished analysis
type Results struct {
	AnalysisID    string        `json:"analysisId"`
	ModuleKey     string        `json:"moduleKey,omitempty"`
	FilesAnalyzed int           `json:"filesAnalyzed"`
	FailedFiles   []string      `json:"failedFiles,omitempty"`
	IssueCount    int           `json:"issueCount"`
	Duration      time.Duration `json:"duration"`
}

// supersedeKey identifies requests that make each other stale: same module, trigger,
// file set and extra properties. Requests without explicit files never supersede.
func supersedeKey(req AnalyzeRequest) string {
	if len(req.Files) == 0 {
		return ""
	}
	files := append([]string(nil), req.Files...)
	sort.Strings(files)

	var b strings.Builder
	b.WriteString(req.ModuleKey)
	b.WriteByte('|')
	b.WriteString(string(req.Trigger))
	b.WriteByte('|')
	b.WriteString(strings.Join(files, ","))
	for _, k := range sortedKeys(req.ExtraProperties) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(req.ExtraProperties[k])
	}
	return b.String()
}

// analyzeCommand runs one analysis on the scheduler worker
type analyzeCommand struct {
	engine *Engine
	req    AnalyzeRequest
}

func (c *analyzeCommand) run(ctx context.Context, token *cancel.Token) (any, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerAnalysis,
		"analysis.analyze",
		attribute.String("analysis_id", c.req.AnalysisID),
		attribute.String("module_key", c.req.ModuleKey),
	)

	results, err := c.execute(ctx, token)
	tracing.EndSpan(span, err)

	status := "resolved"
	switch {
	case token.IsCanceled():
		status = "canceled"
	case err != nil:
		status = "failed"
	}
	if results != nil {
		c.engine.metrics.RecordAnalysis(status, results.Duration, results.FilesAnalyzed)
	} else {
		c.engine.metrics.RecordAnalysis(status, 0, 0)
	}

	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *analyzeCommand) execute(ctx context.Context, token *cancel.Token) (*Results, error) {
	logger := tracing.LoggerFromContext(ctx, c.engine.logger)
	start := time.Now()

	config, err := c.req.ConfigSupplier(ctx)
	if err != nil {
		return nil, fmt.Errorf("load analysis configuration: %w", err)
	}

	if c.req.AnalysisStarted != nil {
		c.req.AnalysisStarted(config.InputFiles)
	}

	results := &Results{
		AnalysisID: c.req.AnalysisID,
		ModuleKey:  c.req.ModuleKey,
	}
	if len(config.InputFiles) == 0 {
		logger.Info().Msg("No file to analyze")
		return results, nil
	}

	logger.Info().
		Int("files", len(config.InputFiles)).
		Int("activeRules", len(config.ActiveRules)).
		Str("trigger", string(c.req.Trigger)).
		Msg("Starting analysis")

	report := func(issue Issue) {
		results.IssueCount++
		c.engine.metrics.RecordIssue(issue.RuleKey)
		if c.req.IssueListener != nil {
			c.req.IssueListener(issue)
		}
	}

	for _, file := range config.InputFiles {
		if token.IsCanceled() || ctx.Err() != nil {
			return nil, cancel.ErrCanceled
		}

		failed := false
		for _, analyzer := range c.engine.analyzers.ForLanguage(file.Language) {
			rules := config.rulesFor(analyzer.Key(), file.Language)
			if len(rules) == 0 {
				continue
			}
			if err := analyzeFile(ctx, analyzer, file, rules, report); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn().
					Err(err).
					Str("analyzer", analyzer.Key()).
					Str("file", file.URI).
					Msg("Analyzer failed on file")
				c.engine.metrics.RecordFileFailure(analyzer.Key())
				failed = true
			}
		}
		if failed {
			results.FailedFiles = append(results.FailedFiles, file.URI)
		}
		results.FilesAnalyzed++
	}

	results.Duration = time.Since(start)
	logger.Info().
		Int("issues", results.IssueCount).
		Int("failedFiles", len(results.FailedFiles)).
		Dur("duration", results.Duration).
		Msg("Analysis done")
	return results, nil
}

// analyzeFile runs one analyzer on one file, turning a panic into an error
func analyzeFile(ctx context.Context, analyzer Analyzer, file InputFile, rules []ActiveRule, report IssueListener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panic: %v\n%s", r, debug.Stack())
		}
	}()
	return analyzer.Analyze(ctx, file, rules, report)
}

// newAnalyzeCommand wraps a request into a scheduler command
func (e *Engine) newAnalyzeCommand(ctx context.Context, req AnalyzeRequest) *scheduler.Command {
	cmd := &analyzeCommand{engine: e, req: req}

	opts := []scheduler.CommandOption{
		scheduler.WithName("analyze"),
		scheduler.WithContext(tracing.WithModuleKey(tracing.WithAnalysisID(ctx, req.AnalysisID), req.ModuleKey)),
		scheduler.WithModuleKey(req.ModuleKey),
		scheduler.WithToken(req.Token),
		scheduler.WithSupersedeKey(supersedeKey(req)),
	}
	if req.Ready != nil {
		opts = append(opts, scheduler.WithReadiness(req.Ready))
	}
	return scheduler.NewCommand(cmd.run, opts...)
}

// Await waits for an analysis promise and returns its results
func Await(ctx context.Context, p *promise.Promise[any]) (*Results, error) {
	value, err := p.Await(ctx)
	if err != nil {
		return nil, err
	}
	results, ok := value.(*Results)
	if !ok {
		return nil, errors.New("promise did not hold analysis results")
	}
	return results, nil
}
