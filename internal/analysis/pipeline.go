package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ドキュメントが長すぎる場合はプロンプトに収まる範囲へ切り詰めます。
const maxDocumentChars = 60000

// stage は解析パイプラインの1工程です。工程は順次実行され、
// 後続の工程は先行工程の所見を参照できます。
type stage struct {
	name    string // 進捗報告用の工程名
	title   string // レポート見出し
	percent int    // 工程完了時点の進捗
	prompt  func(documentText, query, findings string) string
}

var stages = []stage{
	{
		name:    "verification",
		title:   "Document Verification",
		percent: 45,
		prompt: func(doc, query, _ string) string {
			return fmt.Sprintf(`You are a meticulous financial document verifier.
Determine whether the following text is a financial document (earnings report, balance sheet, filing, invoice, etc.).
State the document type, the reporting entity and period if identifiable, and list any sections that appear incomplete or unreadable.
Answer concisely.

DOCUMENT:
%s`, doc)
		},
	},
	{
		name:    "analysis",
		title:   "Financial Analysis",
		percent: 65,
		prompt: func(doc, query, findings string) string {
			return fmt.Sprintf(`You are a senior financial analyst.
Using the document below, answer the user's request: %q
Summarize the key financial figures (revenue, profit, cash flow, notable year-over-year changes) that support your answer.
Ground every statement in the document; say so explicitly when information is missing.

VERIFICATION NOTES:
%s

DOCUMENT:
%s`, query, findings, doc)
		},
	},
	{
		name:    "investment",
		title:   "Investment Considerations",
		percent: 85,
		prompt: func(doc, query, findings string) string {
			return fmt.Sprintf(`You are an investment advisor reviewing an analyst's findings.
Based on the findings below, outline the main investment considerations relevant to the request: %q
Present balanced observations, not personalized advice, and note where the document does not support a conclusion.

FINDINGS SO FAR:
%s`, query, findings)
		},
	},
	{
		name:    "risk",
		title:   "Risk Assessment",
		percent: 95,
		prompt: func(doc, query, findings string) string {
			return fmt.Sprintf(`You are a risk assessor.
From the findings below, identify the material risks (market, liquidity, operational, regulatory) suggested by the document, each with a one-line rationale.

FINDINGS SO FAR:
%s`, findings)
		},
	},
}

// Pipeline は複数工程の解析を順次実行する Analyzer 実装です。
type Pipeline struct {
	gen TextGenerator
}

// NewPipeline は Pipeline を作成します。
func NewPipeline(gen TextGenerator) *Pipeline {
	return &Pipeline{gen: gen}
}

// Analyze はドキュメントテキストとクエリから解析レポートを生成します。
// 各工程の完了ごとに report へ進捗を通知します。
func (p *Pipeline) Analyze(ctx context.Context, documentText, query string, report ProgressFunc) (string, error) {
	documentText = strings.TrimSpace(documentText)
	if documentText == "" {
		return "", &Error{Code: "ANALYSIS_FAILED", Message: "解析対象のテキストが空です。"}
	}
	if len(documentText) > maxDocumentChars {
		// 多バイト文字の途中で切らないようルーン境界まで戻る
		cut := maxDocumentChars
		for cut > 0 && !utf8.RuneStart(documentText[cut]) {
			cut--
		}
		documentText = documentText[:cut]
	}

	var sections []string
	var findings strings.Builder

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		reportProgress(report, st.name, st.percent-10)

		out, err := p.gen.GenerateText(ctx, st.prompt(documentText, query, findings.String()))
		if err != nil {
			var aerr *Error
			if errors.As(err, &aerr) {
				return "", aerr
			}
			return "", &Error{
				Code:    "ANALYSIS_FAILED",
				Message: fmt.Sprintf("解析工程 %s の実行に失敗しました。", st.name),
				Err:     err,
			}
		}

		out = strings.TrimSpace(out)
		if out == "" {
			return "", &Error{
				Code:    "ANALYSIS_FAILED",
				Message: fmt.Sprintf("解析工程 %s が空の結果を返しました。", st.name),
			}
		}

		sections = append(sections, fmt.Sprintf("## %s\n\n%s", st.title, out))
		findings.WriteString(fmt.Sprintf("[%s]\n%s\n\n", st.title, out))

		reportProgress(report, st.name, st.percent)
	}

	return strings.Join(sections, "\n\n"), nil
}
