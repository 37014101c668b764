package domain

import "testing"

func TestDeriveIdentity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		filePath string
		want     string
	}{
		{"a/meta.json", "a"},
		{"a/b/c/meta.yaml", "a/b/c"},
		{"meta.json", "/"},
		{"/meta.json", "/"},
		{"/a/meta.json", "a"},
	}

	for _, tc := range cases {
		if got := DeriveIdentity(tc.filePath); got != tc.want {
			t.Errorf("DeriveIdentity(%q) = %q, want %q", tc.filePath, got, tc.want)
		}
	}
}

func TestIsSystemField(t *testing.T) {
	t.Parallel()

	for _, name := range SystemFields {
		if !IsSystemField(name) {
			t.Errorf("IsSystemField(%q) = false, want true", name)
		}
	}
	if IsSystemField("title") {
		t.Errorf("IsSystemField(title) = true, want false")
	}
}
