package retrieval

import (
	"fmt"
	"strings"
)

// BuildContextBlock renders a distribution result as the deterministic,
// human-readable block appended to the Pass-2 prompt. One stanza per
// representative naming the targeted dimension, the portfolio statistics,
// the user's score, the gap, available metadata, and the advisor's comment
// on that dimension, closed by an instruction block directing comparative
// references. An empty result yields an empty string.
func BuildContextBlock(res *DistributionResult) string {
	if res == nil || len(res.Representatives) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("REFERENCE EXAMPLES FROM THE ADVISOR'S PORTFOLIO\n\n")

	for i, rep := range res.Representatives {
		name := rep.Title
		if name == "" {
			name = rep.ImagePath
		}
		fmt.Fprintf(&b, "%d. %q, targeting %s\n", i+1, name, rep.Dimension)
		fmt.Fprintf(&b, "   Portfolio mean %.1f (std %.2f); the user scored %.1f; gap %.1f.\n",
			rep.Mean, rep.Std, rep.UserScore, rep.Gap)
		fmt.Fprintf(&b, "   This example's %s score: %.1f.\n", rep.Dimension, rep.Score)
		if rep.Significance != "" {
			fmt.Fprintf(&b, "   Significance: %s\n", rep.Significance)
		}
		if rep.Comment != "" {
			fmt.Fprintf(&b, "   Advisor's note on %s: %q\n", rep.Dimension, rep.Comment)
		}
		b.WriteString("\n")
	}

	b.WriteString("When critiquing the image, reference these examples comparatively: ")
	b.WriteString("explain what each does on its targeted dimension that the user's image does not, ")
	b.WriteString("and give concrete steps to close each gap.\n")
	return b.String()
}
