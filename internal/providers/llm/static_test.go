package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestStaticStoryDraftFollowsRequest(t *testing.T) {
	t.Parallel()
	s := NewStatic()
	out, err := s.Complete(context.Background(), Request{
		System: "You are an award-winning children's storybook author.",
		User:   `Specification: {"hero_name": "Zara", "target_age": "5-7", "page_count": 3}`,
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	var draft struct {
		Title string `json:"title"`
		Pages []struct {
			PageNumber       int    `json:"page_number"`
			Text             string `json:"text"`
			SceneDescription string `json:"scene_description"`
		} `json:"pages"`
		Cover struct {
			SceneDescription string `json:"scene_description"`
		} `json:"cover"`
		Character struct {
			Name        string `json:"name"`
			VisualRecap string `json:"visual_recap"`
		} `json:"character"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(out)), &draft); err != nil {
		t.Fatalf("draft is not valid JSON: %v\n%s", err, out)
	}
	if !strings.Contains(draft.Title, "Zara") {
		t.Fatalf("title %q does not mention the hero", draft.Title)
	}
	if len(draft.Pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(draft.Pages))
	}
	for i, p := range draft.Pages {
		if p.PageNumber != i+1 {
			t.Fatalf("page %d numbered %d", i+1, p.PageNumber)
		}
		if p.Text == "" || p.SceneDescription == "" {
			t.Fatalf("page %d missing text or scene", p.PageNumber)
		}
	}
	if draft.Cover.SceneDescription == "" {
		t.Fatal("cover scene is empty")
	}
	if draft.Character.Name != "Zara" || draft.Character.VisualRecap == "" {
		t.Fatalf("character block incomplete: %+v", draft.Character)
	}
}

func TestStaticAnswersByPromptKind(t *testing.T) {
	t.Parallel()
	s := NewStatic()
	ctx := context.Background()

	safety, err := s.Complete(ctx, Request{System: "You are a strict content-safety classifier."})
	if err != nil {
		t.Fatalf("safety call: %v", err)
	}
	var verdict struct {
		Safe bool `json:"safe"`
	}
	if err := json.Unmarshal([]byte(safety), &verdict); err != nil || !verdict.Safe {
		t.Fatalf("safety verdict = %q, err %v", safety, err)
	}

	sheet, err := s.Complete(ctx, Request{
		System: "You are a character designer for illustrated children's books.",
		User:   `{"character": {"name": "Pip"}}`,
	})
	if err != nil {
		t.Fatalf("character call: %v", err)
	}
	var parsed struct {
		Name              string `json:"name"`
		MasterDescription string `json:"master_description"`
	}
	if err := json.Unmarshal([]byte(sheet), &parsed); err != nil {
		t.Fatalf("sheet is not valid JSON: %v", err)
	}
	if parsed.Name != "Pip" || parsed.MasterDescription == "" {
		t.Fatalf("sheet incomplete: %+v", parsed)
	}

	rewrite, err := s.Complete(ctx, Request{
		System: "You rewrite a single storybook page that failed a safety review.",
		User:   `{"hero_name": "Pip", "page_number": 2, "text": "old"}`,
	})
	if err != nil {
		t.Fatalf("rewrite call: %v", err)
	}
	var page struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(rewrite), &page); err != nil || page.Text == "" {
		t.Fatalf("rewrite = %q, err %v", rewrite, err)
	}
	if !strings.Contains(page.Text, "Pip") {
		t.Fatalf("rewritten text %q lost the hero", page.Text)
	}
}

func TestStaticHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStatic().Complete(ctx, Request{User: "{}"}); err == nil {
		t.Fatal("want error for canceled context")
	}
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare_object", `{"a": 1}`, `{"a": 1}`},
		{"json_fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"plain_fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"prose_around", `Sure, here you go: {"a": {"b": 2}} hope that helps`, `{"a": {"b": 2}}`},
		{"brace_in_string", `{"text": "a } inside"}`, `{"text": "a } inside"}`},
		{"escaped_quote", `{"text": "she said \"}\" loudly"}`, `{"text": "she said \"}\" loudly"}`},
		{"truncated", `{"a": 1`, `{"a": 1`},
		{"no_json", "just prose", "just prose"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractJSON(tc.in); got != tc.want {
				t.Fatalf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
