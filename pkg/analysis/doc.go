// Package analysis runs language analyzers over client files through a single
// scheduler.
//
// An Engine owns the scheduler, the analyzer Registry and the ModuleRegistry. Every
// engine operation (analyze, register or unregister a module, notify a file event) is
// posted as a command so that analyzers only ever see one operation at a time.
//
// Usage:
//
//	engine := analysis.NewEngine(analysis.EngineOptions{Analyzers: registry})
//	defer engine.Stop(context.Background())
//
//	p, err := engine.Analyze(ctx, analysis.AnalyzeRequest{
//		ModuleKey:     "project",
//		Files:         []string{"main.go"},
//		IssueListener: func(issue analysis.Issue) { ... },
//	})
//	results, err := analysis.Await(ctx, p)
package analysis
