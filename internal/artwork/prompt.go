package artwork

import (
	"fmt"
	"strings"

	"github.com/mkaneta/recabattle/internal/card"
)

const defaultMood = "魔法を唱えている感、神秘的、宝探し"

// BuildPrompt renders the image model prompt for a card. The prompt forbids
// text and human figures so the artwork stays usable as a card illustration.
func BuildPrompt(c card.Card) string {
	mood := strings.TrimSpace(c.Flavor)
	if mood == "" {
		mood = defaultMood
	}
	var b strings.Builder
	b.WriteString("日本のファンタジーTCGのカード用アートを生成してください。正方形(1:1)。\n")
	fmt.Fprintf(&b, "テーマ: %s の概念/イメージ（重要: 画像内にタイトル等の文字として描かない）。\n", c.Name)
	fmt.Fprintf(&b, "雰囲気: %s。\n", mood)
	b.WriteString("スタイル: 高品質なデジタルイラスト、強い光のエフェクト、魔法陣、粒子、幻想的、背景込み。\n")
	b.WriteString("制約:\n")
	b.WriteString("- 人物・顔・手など人間の要素は入れない\n")
	b.WriteString("- 文字は絶対に入れない（ひらがな/カタカナ/漢字/アルファベット/数字/記号/ルーン/象形文字/手書き文字/看板/ラベル/スタンプ/印章/署名/透かし/ロゴ/ウォーターマーク/UI/キャプション/タイポグラフィを含む）\n")
	b.WriteString("- no text, no letters, no numbers, no logo, no watermark, no signature, no UI\n")
	b.WriteString("- 単色ベタではなく情報量のある絵にする\n")
	return b.String()
}
