// Package textrules is a language-agnostic analyzer working on raw text lines.
package textrules

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/harun/lintd/pkg/analysis"
)

// Key is the rule repository of this analyzer
const Key = "text"

const (
	RuleTodoComment        = Key + ":todo-comment"
	RuleTrailingWhitespace = Key + ":trailing-whitespace"
	RuleLineLength         = Key + ":line-length"

	DefaultMaxLineLength = 120
)

var todoPattern = regexp.MustCompile(`\b(TODO|FIXME)\b`)

// Analyzer implements analysis.Analyzer
type Analyzer struct{}

// New creates the text analyzer
func New() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) Key() string { return Key }

func (a *Analyzer) Languages() []string { return []string{"*"} }

// DefaultRules returns every rule of this analyzer with default parameters
func DefaultRules() []analysis.ActiveRule {
	return []analysis.ActiveRule{
		{RuleKey: RuleTodoComment},
		{RuleKey: RuleTrailingWhitespace},
		{RuleKey: RuleLineLength, Params: map[string]string{"maxLength": fmt.Sprint(DefaultMaxLineLength)}},
	}
}

// Analyze scans file line by line
func (a *Analyzer) Analyze(ctx context.Context, file analysis.InputFile, rules []analysis.ActiveRule, report analysis.IssueListener) error {
	data, err := file.Contents()
	if err != nil {
		return err
	}

	var todo, trailing bool
	maxLength := 0
	for _, rule := range rules {
		switch rule.RuleKey {
		case RuleTodoComment:
			todo = true
		case RuleTrailingWhitespace:
			trailing = true
		case RuleLineLength:
			maxLength = rule.IntParam("maxLength", DefaultMaxLineLength)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if line%256 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		text := scanner.Text()

		if todo {
			if loc := todoPattern.FindStringIndex(text); loc != nil {
				report(issue(file, RuleTodoComment, analysis.SeverityInfo,
					"Complete the task associated to this \""+text[loc[0]:loc[1]]+"\" comment.",
					line, loc[0], loc[1]))
			}
		}

		if trailing {
			trimmed := len(bytes.TrimRight([]byte(text), " \t"))
			if trimmed < len(text) {
				report(issue(file, RuleTrailingWhitespace, analysis.SeverityMinor,
					"Remove the useless trailing whitespaces at the end of this line.",
					line, trimmed, len(text)))
			}
		}

		if maxLength > 0 {
			if n := utf8.RuneCountInString(text); n > maxLength {
				report(issue(file, RuleLineLength, analysis.SeverityMinor,
					fmt.Sprintf("Split this %d characters long line (which is greater than %d authorized).", n, maxLength),
					line, 0, len(text)))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", file.Path, err)
	}
	return nil
}

func issue(file analysis.InputFile, ruleKey string, severity analysis.Severity, message string, line, start, end int) analysis.Issue {
	return analysis.Issue{
		RuleKey:  ruleKey,
		Message:  message,
		Severity: severity,
		FileURI:  file.URI,
		TextRange: &analysis.TextRange{
			StartLine:       line,
			StartLineOffset: start,
			EndLine:         line,
			EndLineOffset:   end,
		},
	}
}
