package daemon

import (
	"fmt"
	"strings"
	"testing"

	"github.com/courier-bot/courier/pkg/store"
)

func msg(direction, content string) store.Message {
	return store.Message{Direction: direction, Content: content}
}

func TestAssembleSections(t *testing.T) {
	facts := []string{"User prefers metric units", "User lives in Berlin"}
	// Store order: newest first.
	history := []store.Message{
		msg(store.DirOutbound, "It is 21 degrees."),
		msg(store.DirInbound, "What is the weather?"),
	}
	prompt := assemblePrompt(facts, history, "And tomorrow?", 8000)

	memIdx := strings.Index(prompt, "<persistent_memory>")
	histIdx := strings.Index(prompt, "<conversation_history>")
	curIdx := strings.Index(prompt, "User: And tomorrow?")
	if memIdx < 0 || histIdx < 0 || curIdx < 0 {
		t.Fatalf("missing sections in prompt:\n%s", prompt)
	}
	if !(memIdx < histIdx && histIdx < curIdx) {
		t.Errorf("section order wrong: mem=%d hist=%d cur=%d", memIdx, histIdx, curIdx)
	}
	// History must render oldest-first.
	q := strings.Index(prompt, "User: What is the weather?")
	a := strings.Index(prompt, "Assistant: It is 21 degrees.")
	if q < 0 || a < 0 || q > a {
		t.Errorf("history not oldest-first:\n%s", prompt)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	facts := []string{"fact one", "fact two"}
	history := []store.Message{msg(store.DirInbound, "hello")}
	first := assemblePrompt(facts, history, "again", 8000)
	for range 5 {
		if got := assemblePrompt(facts, history, "again", 8000); got != first {
			t.Fatal("assemblePrompt not deterministic")
		}
	}
}

func TestAssembleEmptyInputs(t *testing.T) {
	prompt := assemblePrompt(nil, nil, "just this", 8000)
	if prompt != "User: just this" {
		t.Errorf("prompt = %q", prompt)
	}
	if strings.Contains(prompt, "<persistent_memory>") || strings.Contains(prompt, "<conversation_history>") {
		t.Error("empty sections should be omitted entirely")
	}
}

func TestAssembleTrimsOldestHistoryFirst(t *testing.T) {
	facts := []string{"top fact"}
	var history []store.Message
	for i := 20; i >= 1; i-- { // newest first
		history = append(history, msg(store.DirInbound, fmt.Sprintf("message number %02d with some padding text", i)))
	}
	full := assemblePrompt(facts, history, "new question", 100000)
	budget := len(full) - 1
	trimmed := assemblePrompt(facts, history, "new question", budget)

	if len(trimmed) > budget {
		t.Fatalf("prompt %d chars exceeds budget %d", len(trimmed), budget)
	}
	if strings.Contains(trimmed, "message number 01") {
		t.Error("oldest history row should be dropped first")
	}
	if !strings.Contains(trimmed, "message number 20") {
		t.Error("newest history row should survive")
	}
	if !strings.Contains(trimmed, "top fact") {
		t.Error("fact should survive while history remains to trim")
	}
}

func TestAssembleKeepsMessageAndTopFactUnderTightBudget(t *testing.T) {
	facts := []string{"keep me", "drop me two", "drop me three"}
	history := []store.Message{msg(store.DirInbound, "old line")}
	needed := len(renderPrompt([]string{"keep me"}, nil, "User: q"))
	prompt := assemblePrompt(facts, history, "q", needed)

	if !strings.Contains(prompt, "keep me") {
		t.Error("top fact should be kept when it fits")
	}
	if strings.Contains(prompt, "drop me") || strings.Contains(prompt, "old line") {
		t.Errorf("lower facts and history should be trimmed:\n%s", prompt)
	}
	if !strings.Contains(prompt, "User: q") {
		t.Error("new message must always be present")
	}
}

func TestAssembleOversizedMessagePassesThrough(t *testing.T) {
	big := strings.Repeat("x", 500)
	prompt := assemblePrompt(nil, nil, big, 100)
	if !strings.Contains(prompt, big) {
		t.Error("oversized message must not be truncated")
	}
}
