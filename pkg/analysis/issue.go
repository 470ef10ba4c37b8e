package analysis

// Severity ranks an issue
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
	SeverityBlocker  Severity = "BLOCKER"
)

// TextRange locates an issue in a file. Lines are 1-based, offsets 0-based.
type TextRange struct {
	StartLine       int `json:"startLine"`
	StartLineOffset int `json:"startLineOffset"`
	EndLine         int `json:"endLine"`
	EndLineOffset   int `json:"endLineOffset"`
}

// Issue is a finding reported by an analyzer
type Issue struct {
	RuleKey   string     `json:"ruleKey"`
	Message   string     `json:"message"`
	Severity  Severity   `json:"severity"`
	FileURI   string     `json:"fileUri"`
	TextRange *TextRange `json:"textRange,omitempty"`
}

// IssueListener receives issues as they are found
type IssueListener func(issue Issue)
