package router

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := splitMessage("hello", maxMessageLen)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessageParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("a", 2500)
	para2 := strings.Repeat("b", 2500)

	chunks := splitMessage(para1+"\n\n"+para2, maxMessageLen)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != para1 || chunks[1] != para2 {
		t.Error("chunks do not match the paragraphs")
	}
}

func TestSplitMessageSentenceBoundary(t *testing.T) {
	sentence := strings.Repeat("x", 99) + ". "
	text := strings.Repeat(sentence, 40)

	chunks := splitMessage(text, maxMessageLen)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Errorf("first chunk does not end at a sentence: %q", chunks[0][len(chunks[0])-10:])
	}
}

func TestSplitMessageHardSplit(t *testing.T) {
	text := strings.Repeat("a", 8000)

	chunks := splitMessage(text, maxMessageLen)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > maxMessageLen {
			t.Errorf("chunk %d is %d bytes", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("hard split lost content")
	}
}

func TestSplitMessageCJKSentences(t *testing.T) {
	text := strings.Repeat("这是一句话。", 400)

	chunks := splitMessage(text, maxMessageLen)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if !strings.HasSuffix(c, "。") {
			t.Errorf("chunk %d does not end at a sentence", i)
		}
	}
}

func TestSplitMessageNeverCutsRunes(t *testing.T) {
	// No separators at all, so every split is a hard split.
	text := strings.Repeat("好", 3000)

	chunks := splitMessage(text, maxMessageLen)
	var rebuilt strings.Builder
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != text {
		t.Error("chunks do not reassemble the input")
	}
}

func TestFindSplitPointShortText(t *testing.T) {
	if got := findSplitPoint("abc", 10); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestFindSplitPointIgnoresEarlyBoundary(t *testing.T) {
	// The only newline sits in the first half, so the word boundary wins.
	text := "ab\n" + strings.Repeat("c", 50) + " " + strings.Repeat("d", 50)

	if got := findSplitPoint(text, 80); got != 54 {
		t.Errorf("split at %d, want 54 (after the space)", got)
	}
}
