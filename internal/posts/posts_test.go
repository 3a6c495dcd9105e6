package posts

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCommandRejectsMalformedValues(t *testing.T) {
	testCases := []struct {
		name  string
		value string
	}{
		{name: "not json", value: "delete:alpha:001"},
		{name: "unknown op", value: `{"op":"edit","text":"x"}`},
		{name: "blank post", value: `{"op":"post","text":"  "}`},
		{name: "delete without number", value: `{"op":"delete","team":"alpha"}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := DecodeCommand(testCase.value); !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("expected invalid command, got %v", err)
			}
		})
	}
}

func TestDeleteCommandRoundTrip(t *testing.T) {
	encoded, err := DeleteCommand("alpha", 3).Encode()
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodeCommand(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Op != OpDelete || decoded.Team != "alpha" || decoded.Post != 3 {
		t.Fatalf("unexpected command: %+v", decoded)
	}
}

func TestColumnNames(t *testing.T) {
	if ColumnName(1) != "discuss001" || ColumnName(12) != "discuss012" {
		t.Fatalf("unexpected column names %q %q", ColumnName(1), ColumnName(12))
	}
	discussion, err := ParseColumn("discuss007")
	if err != nil || discussion != 7 {
		t.Fatalf("expected discussion 7, got %d (%v)", discussion, err)
	}
	for _, column := range []string{"discussX", "discuss000", "discuss01", "name"} {
		if _, err := ParseColumn(column); !errors.Is(err, ErrInvalidColumn) {
			t.Fatalf("expected invalid column for %q, got %v", column, err)
		}
	}
	if session, ok := SessionFromSheet(SheetName("lecture01")); !ok || session != "lecture01" {
		t.Fatalf("unexpected session %q", session)
	}
}

func TestStatusIsValidatedOnDecode(t *testing.T) {
	var post Post
	if err := json.Unmarshal([]byte(`{"team":"","number":1,"status":"flagged"}`), &post); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !post.Flagged() {
		t.Fatalf("expected flagged post")
	}
	if err := json.Unmarshal([]byte(`{"number":1,"status":"(flagged)"}`), &post); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestDiscussionStatsTotals(t *testing.T) {
	var stats Stats
	payload := `{"sessions":{"s1":{"2":{"teams":{"":{"posts":3,"unread":1},"b":{"posts":2,"unread":1}}}}}}`
	if err := json.Unmarshal([]byte(payload), &stats); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	discussion, ok := stats.Session("s1")[2]
	if !ok {
		t.Fatalf("expected discussion 2 stats")
	}
	postCount, unreadCount := discussion.Totals()
	if postCount != 5 || unreadCount != 2 {
		t.Fatalf("unexpected totals %d/%d", postCount, unreadCount)
	}
	if discussion.Closed != nil {
		t.Fatalf("expected unset closed flag")
	}
}

func TestShortName(t *testing.T) {
	testCases := map[string]string{
		"Jane Q. Doe": "Jane D.",
		"Doe, Jane":   "Jane D.",
		"Plato":       "Plato",
		"   ":         "",
	}
	for input, want := range testCases {
		if got := ShortName(input); got != want {
			t.Fatalf("ShortName(%q) = %q, want %q", input, got, want)
		}
	}
}
