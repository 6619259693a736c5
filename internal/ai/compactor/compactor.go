package compactor

import (
	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

// DefaultHeadRatio is the share of the budget reserved for the oldest items.
const DefaultHeadRatio = 0.6

// Window is the subset of history sent to the model.
type Window struct {
	Items       []conversation.Item
	TotalTokens int
	// Trimmed reports whether a middle span was dropped.
	Trimmed bool
}

// Compact applies middle-out trimming with DefaultHeadRatio.
func Compact(items []conversation.Item, budget int) Window {
	return CompactWithRatio(items, budget, DefaultHeadRatio)
}

// CompactWithRatio returns items unchanged when their total is below budget. Otherwise it keeps a
// head span of at most budget*headRatio tokens (always including item 0) and a tail span of at most
// budget*(1-headRatio) tokens, dropping the middle.
//
// A toolUse item is never left at the end of the head and a toolResult item never opens the tail,
// so a pair is never split across the dropped span.
func CompactWithRatio(items []conversation.Item, budget int, headRatio float64) Window {
	total := conversation.TotalTokens(items)
	if total < budget {
		return Window{Items: items, TotalTokens: total}
	}
	return middleOut(items, budget, headRatio)
}

func middleOut(items []conversation.Item, budget int, headRatio float64) Window {
	if headRatio <= 0 || headRatio >= 1 {
		headRatio = DefaultHeadRatio
	}
	n := len(items)
	if n == 0 {
		return Window{}
	}
	headBudget := float64(budget) * headRatio
	tailBudget := float64(budget) * (1 - headRatio)

	headEnd, headTokens := 0, 0
	for i := 0; i < n; i++ {
		t := items[i].TokenCount
		if i > 0 && float64(headTokens+t) > headBudget {
			break
		}
		headTokens += t
		headEnd = i + 1
	}

	tailStart, tailTokens := n, 0
	for i := n - 1; i >= headEnd; i-- {
		t := items[i].TokenCount
		if float64(tailTokens+t) > tailBudget {
			break
		}
		tailTokens += t
		tailStart = i
	}

	if tailStart > headEnd {
		if last := items[headEnd-1]; last.Kind == conversation.KindToolUse {
			if headEnd > 1 {
				headEnd--
				headTokens -= last.TokenCount
			} else if headEnd < tailStart {
				// item 0 is kept, so its result comes along with it.
				headTokens += items[headEnd].TokenCount
				headEnd++
			}
		}
		if tailStart < n && tailStart > headEnd && items[tailStart].Kind == conversation.KindToolResult {
			tailTokens -= items[tailStart].TokenCount
			tailStart++
		}
	}

	out := make([]conversation.Item, 0, headEnd+(n-tailStart))
	out = append(out, items[:headEnd]...)
	out = append(out, items[tailStart:]...)
	return Window{
		Items:       out,
		TotalTokens: headTokens + tailTokens,
		Trimmed:     len(out) < n,
	}
}
