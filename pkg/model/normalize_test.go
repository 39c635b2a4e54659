package model

import "testing"

func TestNormalizeCategoryComponent(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		maxLen int
		want   string
	}{
		{"lowercases and replaces spaces", "Machine Learning", 50, "machine_learning"},
		{"strips reserved characters", `weird:name/with*chars?`, 50, "weirdnamewithchars"},
		{"collapses repeated whitespace", "too   many   spaces", 50, "too_many_spaces"},
		{"clamps at word boundary", "a_fairly_long_category_name_here", 12, "a_fairly"},
		{"no clamp needed", "short", 50, "short"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeCategoryComponent(tc.raw, tc.maxLen)
			if got != tc.want {
				t.Errorf("NormalizeCategoryComponent(%q, %d) = %q, want %q", tc.raw, tc.maxLen, got, tc.want)
			}
		})
	}
}

func TestItemHelpers(t *testing.T) {
	desc := "a cat sitting on a keyboard"
	path := "/cache/media/1.jpg"
	item := &Item{
		Media: []MediaItem{
			{SourceURL: "a", IsVideo: true},
			{SourceURL: "b", LocalCachePath: &path, Description: &desc},
			{SourceURL: "c", LocalCachePath: &path},
		},
	}

	if item.AllNonVideoMediaDescribed() {
		t.Fatal("expected AllNonVideoMediaDescribed to be false while item c lacks a description")
	}
	needing := item.NonVideoMediaNeedingDescription()
	if len(needing) != 1 || needing[0] != 2 {
		t.Fatalf("expected only index 2 to need a description, got %v", needing)
	}
}
