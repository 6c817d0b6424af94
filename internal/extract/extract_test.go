package extract

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"testing"
)

func TestWords(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{
			name:  "empty reply",
			reply: "",
			want:  nil,
		},
		{
			name:  "numbered list",
			reply: "1. sun\n2. sea\n3. six",
			want:  []string{"sun", "sea", "six"},
		},
		{
			name:  "comma separated line",
			reply: "Practice these: \nsip, sun, see",
			want:  []string{"sip", "sun", "see"},
		},
		{
			name: "thirteen comma items fall through both branches",
			reply: "Try saying: cat, hat, mat, sat, bat, fat, rat, pat, vat, gnat, gat, tat, zat",
			want: nil,
		},
		{
			name:  "prose sentences are skipped",
			reply: "Great job today! Let us focus on the sounds you found hard during our last session together.",
			want:  nil,
		},
		{
			name:  "short line accepted up to four tokens",
			reply: "red ribbon round rock",
			want:  []string{"red", "ribbon", "round", "rock"},
		},
		{
			name:  "five-token line rejected",
			reply: "red ribbon round rock roll",
			want:  nil,
		},
		{
			name:  "dash markers and dedup keep first-seen order",
			reply: "- sun\n- sea\n- sun\n- sip",
			want:  []string{"sun", "sea", "sip"},
		},
		{
			name:  "punctuation stripped and case folded",
			reply: "1. Sun!\n2. (Sea)\n3. don't",
			want:  []string{"sun", "sea", "don't"},
		},
		{
			name:  "single letters and overlong tokens dropped",
			reply: "a, sun, pneumonoultramicroscopicsilico",
			want:  []string{"sun"},
		},
		{
			name:  "windows line endings",
			reply: "1. sun\r\n2. sea",
			want:  []string{"sun", "sea"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Words(tt.reply)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Words(%q) = %v, want %v", tt.reply, got, tt.want)
			}
		})
	}
}

func TestWords_Bounds(t *testing.T) {
	// Build a reply with far more than MaxWords distinct candidates.
	var lines []string
	for i := 0; i < 60; i++ {
		lines = append(lines, fmt.Sprintf("%d. %c%cword", i+1, 'a'+i%26, 'a'+(i/26)%26))
	}
	// Repeats sprinkled in must not count twice.
	lines = append(lines, "aaword", "abword")

	got := Words(strings.Join(lines, "\n"))
	if len(got) > MaxWords {
		t.Fatalf("Words() returned %d entries, want <= %d", len(got), MaxWords)
	}

	valid := regexp.MustCompile(`^[a-z']{2,20}$`)
	seen := make(map[string]bool)
	for _, w := range got {
		if !valid.MatchString(w) {
			t.Errorf("word %q does not match ^[a-z']{2,20}$", w)
		}
		if seen[w] {
			t.Errorf("duplicate word %q in output", w)
		}
		seen[w] = true
	}
}
