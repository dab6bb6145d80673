package router

import (
	"strings"
	"testing"
)

func TestExtractImagesNone(t *testing.T) {
	in := "plain text, no images"
	out, images := ExtractImages(in)
	if out != in {
		t.Errorf("text changed: %q", out)
	}
	if len(images) != 0 {
		t.Errorf("images = %v", images)
	}
}

func TestExtractImagesSingle(t *testing.T) {
	out, images := ExtractImages("look at this\n\n![a cat](https://example.com/cat.jpg)\n\nnice, right?")
	if len(images) != 1 || images[0] != "https://example.com/cat.jpg" {
		t.Fatalf("images = %v", images)
	}
	if strings.Contains(out, "![") {
		t.Errorf("image syntax left behind: %q", out)
	}
	if !strings.Contains(out, "look at this") || !strings.Contains(out, "nice, right?") {
		t.Errorf("surrounding text lost: %q", out)
	}
}

func TestExtractImagesOrderAndDedupe(t *testing.T) {
	in := "![one](https://e/1.png) then ![two](https://e/2.png) and ![one](https://e/1.png) again"
	out, images := ExtractImages(in)
	if len(images) != 2 || images[0] != "https://e/1.png" || images[1] != "https://e/2.png" {
		t.Fatalf("images = %v", images)
	}
	if strings.Contains(out, "![") {
		t.Errorf("image syntax left behind: %q", out)
	}
	if !strings.Contains(out, "then") || !strings.Contains(out, "again") {
		t.Errorf("text lost: %q", out)
	}
}

func TestExtractImagesCodeBlockSurvives(t *testing.T) {
	in := "use this:\n\n```\n![img](https://e/real.png)\n```\n\n![img](https://e/other.png)"
	out, images := ExtractImages(in)
	if len(images) != 1 || images[0] != "https://e/other.png" {
		t.Fatalf("images = %v", images)
	}
	if !strings.Contains(out, "![img](https://e/real.png)") {
		t.Errorf("code block contents were rewritten: %q", out)
	}
}

func TestExtractImagesTitle(t *testing.T) {
	out, images := ExtractImages(`![shot](https://e/shot.png "the title")`)
	if len(images) != 1 || images[0] != "https://e/shot.png" {
		t.Fatalf("images = %v", images)
	}
	if strings.Contains(out, "shot") {
		t.Errorf("image with title not removed: %q", out)
	}
}

func TestExtractImagesLocalPath(t *testing.T) {
	_, images := ExtractImages("diagram: ![d](./media/images/d.png)")
	if len(images) != 1 || images[0] != "./media/images/d.png" {
		t.Fatalf("images = %v", images)
	}
}
