package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// extractText はPDFのコンテンツストリームからテキスト描画オペレーターを
// 拾い集め、解析入力用のプレーンテキストを組み立てます。
// 読み取れるテキストが1文字もない場合（画像ベースのPDFなど）はエラーです。
func extractText(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	contentDir, err := os.MkdirTemp(filepath.Dir(path), "content-*")
	if err != nil {
		return "", fmt.Errorf("failed to create content dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(contentDir)
	}()

	if err := pdfapi.ExtractContentFile(path, contentDir, nil, nil); err != nil {
		return "", newError("UNSUPPORTED_PDF",
			"PDFからコンテンツを抽出できませんでした。ファイルが破損または暗号化されていないか確認してください。", err)
	}

	entries, err := os.ReadDir(contentDir)
	if err != nil {
		return "", fmt.Errorf("failed to read content dir: %w", err)
	}
	// ページ順を保つ（抽出ファイル名はページ番号を含む）
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(filepath.Join(contentDir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read content stream: %w", err)
		}
		page := textFromContentStream(string(data))
		if page != "" {
			b.WriteString(page)
			b.WriteString("\n")
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", newError("UNSUPPORTED_PDF",
			"PDFから読み取れるテキストがありません。画像ベースのPDFには対応していません。", nil)
	}
	return text, nil
}

// textFromContentStream はコンテンツストリーム内の文字列リテラル
// （Tj/TJ オペレーターの引数）を連結します。
//
// 対応するのは `(...)` 形式のリテラル文字列のみです。16進文字列
// （`<...>`）や、CIDフォント・UTF-16BEでエンコードされたテキストは
// フォントのマッピング表なしには復元できないため読み飛ばします。
// そうしたPDF（CJK文書に多い）はテキストが取れず UNSUPPORTED_PDF に
// なります。
func textFromContentStream(stream string) string {
	var b strings.Builder
	depth := 0
	escaped := false

	for i := 0; i < len(stream); i++ {
		ch := stream[i]

		if depth == 0 {
			if ch == '(' {
				depth = 1
			}
			continue
		}

		if escaped {
			// 代表的なエスケープのみ展開し、8進数表記などは読み飛ばす
			switch ch {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '(', ')', '\\':
				b.WriteByte(ch)
			}
			escaped = false
			continue
		}

		switch ch {
		case '\\':
			escaped = true
		case '(':
			depth++
			b.WriteByte(ch)
		case ')':
			depth--
			if depth == 0 {
				b.WriteByte(' ')
			} else {
				b.WriteByte(ch)
			}
		default:
			b.WriteByte(ch)
		}
	}

	return normalizeWhitespace(b.String())
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
