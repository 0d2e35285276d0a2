package transport

import "testing"

func TestUserPart(t *testing.T) {
	cases := map[string]string{
		"27820000000@s.whatsapp.net":     "27820000000",
		"27820000000:12@s.whatsapp.net":  "27820000000",
		"27820000000.0:1@s.whatsapp.net": "27820000000",
		"+27820000000":                   "27820000000",
		" 27820000000 ":                  "27820000000",
		"":                               "",
	}
	for in, want := range cases {
		if got := UserPart(in); got != want {
			t.Errorf("UserPart(%q) = %q, want %q", in, got, want)
		}
	}
}
