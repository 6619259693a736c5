package compactor

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
)

func uniformItems(n int, tokens int) []conversation.Item {
	items := make([]conversation.Item, n)
	for i := range items {
		items[i] = conversation.Item{
			SeqKey:     conversation.FormatSeqKey(int64(i)),
			Kind:       conversation.KindUserMessage,
			TokenCount: tokens,
		}
	}
	return items
}

func seqKeys(items []conversation.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.SeqKey
	}
	return out
}

func keysOf(idx ...int) []string {
	out := make([]string, len(idx))
	for i, v := range idx {
		out[i] = conversation.FormatSeqKey(int64(v))
	}
	return out
}

func TestCompact_MiddleOutScenario(t *testing.T) {
	t.Parallel()

	items := uniformItems(10, 100)
	w := Compact(items, 500)
	if !w.Trimmed {
		t.Fatalf("Trimmed=false, want true")
	}
	if got, want := seqKeys(w.Items), keysOf(0, 1, 2, 8, 9); !reflect.DeepEqual(got, want) {
		t.Fatalf("items=%v, want %v", got, want)
	}
	if w.TotalTokens != 500 {
		t.Fatalf("TotalTokens=%d, want 500", w.TotalTokens)
	}
}

func TestCompact_DropsDanglingToolUseAtHeadBoundary(t *testing.T) {
	t.Parallel()

	items := uniformItems(10, 100)
	items[2].Kind = conversation.KindToolUse
	items[3].Kind = conversation.KindToolResult

	w := Compact(items, 500)
	if got, want := seqKeys(w.Items), keysOf(0, 1, 8, 9); !reflect.DeepEqual(got, want) {
		t.Fatalf("items=%v, want %v", got, want)
	}
	if w.TotalTokens != 400 {
		t.Fatalf("TotalTokens=%d, want 400", w.TotalTokens)
	}
}

func TestCompact_DropsOrphanToolResultAtTailBoundary(t *testing.T) {
	t.Parallel()

	items := uniformItems(10, 100)
	items[7].Kind = conversation.KindToolUse
	items[8].Kind = conversation.KindToolResult

	w := Compact(items, 500)
	if got, want := seqKeys(w.Items), keysOf(0, 1, 2, 9); !reflect.DeepEqual(got, want) {
		t.Fatalf("items=%v, want %v", got, want)
	}
	if w.TotalTokens != 400 {
		t.Fatalf("TotalTokens=%d, want 400", w.TotalTokens)
	}
}

func TestCompact_NoopBelowBudget(t *testing.T) {
	t.Parallel()

	items := uniformItems(4, 100)
	before := append([]conversation.Item(nil), items...)
	w := Compact(items, 401)
	if w.Trimmed {
		t.Fatalf("Trimmed=true, want false")
	}
	if len(w.Items) != len(items) || &w.Items[0] != &items[0] {
		t.Fatalf("no-op path must return the input slice")
	}
	if !reflect.DeepEqual(items, before) {
		t.Fatalf("no-op path mutated items")
	}
	if w.TotalTokens != 400 {
		t.Fatalf("TotalTokens=%d, want 400", w.TotalTokens)
	}
}

func TestCompact_AlwaysKeepsFirstItem(t *testing.T) {
	t.Parallel()

	items := uniformItems(5, 10)
	items[0].TokenCount = 10_000
	w := Compact(items, 100)
	if len(w.Items) == 0 || w.Items[0].SeqKey != items[0].SeqKey {
		t.Fatalf("first item missing: %v", seqKeys(w.Items))
	}
}

func TestCompact_FirstItemToolUseKeepsItsResult(t *testing.T) {
	t.Parallel()

	items := uniformItems(6, 100)
	items[0].Kind = conversation.KindToolUse
	items[0].TokenCount = 1_000
	items[1].Kind = conversation.KindToolResult

	w := Compact(items, 300)
	got := seqKeys(w.Items)
	if len(got) < 2 || got[0] != keysOf(0)[0] || got[1] != keysOf(1)[0] {
		t.Fatalf("items=%v, want to start with item 0 and its result", got)
	}
}

func TestCompact_IdempotentOnCompactedWindow(t *testing.T) {
	t.Parallel()

	items := uniformItems(20, 70)
	first := Compact(items, 600)
	second := Compact(first.Items, 600)
	if !reflect.DeepEqual(seqKeys(first.Items), seqKeys(second.Items)) {
		t.Fatalf("second pass changed window: %v -> %v", seqKeys(first.Items), seqKeys(second.Items))
	}
	if first.TotalTokens != second.TotalTokens {
		t.Fatalf("TotalTokens %d -> %d", first.TotalTokens, second.TotalTokens)
	}
}

func TestCompact_DeterministicAndPairSafe(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		items := randomHistory(rng, 1+rng.Intn(40))
		budget := 50 + rng.Intn(2000)

		a := Compact(items, budget)
		b := Compact(items, budget)
		if !reflect.DeepEqual(seqKeys(a.Items), seqKeys(b.Items)) {
			t.Fatalf("round %d: non-deterministic result", round)
		}
		if len(a.Items) == 0 || a.Items[0].SeqKey != items[0].SeqKey {
			t.Fatalf("round %d: item 0 dropped", round)
		}
		if a.TotalTokens != conversation.TotalTokens(a.Items) {
			t.Fatalf("round %d: TotalTokens=%d, sum=%d", round, a.TotalTokens, conversation.TotalTokens(a.Items))
		}
		assertPairsIntact(t, fmt.Sprintf("round %d", round), a.Items, items)
	}
}

// randomHistory builds a well-formed history: every toolUse is directly followed by its toolResult.
func randomHistory(rng *rand.Rand, n int) []conversation.Item {
	items := make([]conversation.Item, 0, n+1)
	seq := int64(0)
	add := func(kind conversation.Kind) {
		items = append(items, conversation.Item{
			SeqKey:     conversation.FormatSeqKey(seq),
			Kind:       kind,
			TokenCount: rng.Intn(300),
		})
		seq++
	}
	add(conversation.KindUserMessage)
	for len(items) < n {
		switch rng.Intn(3) {
		case 0:
			add(conversation.KindUserMessage)
		case 1:
			add(conversation.KindAssistant)
		default:
			add(conversation.KindToolUse)
			add(conversation.KindToolResult)
		}
	}
	return items
}

func assertPairsIntact(t *testing.T, label string, window []conversation.Item, all []conversation.Item) {
	t.Helper()
	pos := make(map[string]int, len(all))
	for i, it := range all {
		pos[it.SeqKey] = i
	}
	for i, it := range window {
		switch it.Kind {
		case conversation.KindToolUse:
			if i+1 >= len(window) || pos[window[i+1].SeqKey] != pos[it.SeqKey]+1 {
				t.Fatalf("%s: toolUse %s not followed by its result", label, it.SeqKey)
			}
		case conversation.KindToolResult:
			if i == 0 || pos[window[i-1].SeqKey] != pos[it.SeqKey]-1 {
				t.Fatalf("%s: toolResult %s without its toolUse", label, it.SeqKey)
			}
		}
	}
}
