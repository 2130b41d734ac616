package hash

import "testing"

func TestHasherDigest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		alg  Algorithm
		in   string
		want string
	}{
		{SHA256, "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		{"", "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		{MD5, "hello world", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
	}
	for _, tc := range cases {
		h, err := New(tc.alg)
		if err != nil {
			t.Fatalf("New(%q) error = %v", tc.alg, err)
		}
		if got := h.Digest(tc.in); got != tc.want {
			t.Fatalf("Digest(%q) with %q = %s, want %s", tc.in, tc.alg, got, tc.want)
		}
		if again := h.Digest(tc.in); again != tc.want {
			t.Fatalf("expected deterministic digest, got %s", again)
		}
	}
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	if _, err := New("crc32"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
