package parser

import "testing"

func TestEncodingLabel(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		want        string
	}{
		{name: "default", body: `<rss/>`, want: "utf-8"},
		{name: "bom", body: "\xef\xbb\xbf<?xml version=\"1.0\" encoding=\"latin1\"?><rss/>", contentType: "text/xml; charset=koi8-r", want: "utf-8"},
		{name: "header", body: `<?xml version="1.0" encoding="latin1"?><rss/>`, contentType: "text/xml; charset=KOI8-R", want: "KOI8-R"},
		{name: "prolog", body: `<?xml version='1.0' encoding='windows-1251'?><rss/>`, contentType: "application/xml", want: "windows-1251"},
		{name: "bad header", body: `<?xml version="1.0" encoding="latin1"?><rss/>`, contentType: ";;", want: "latin1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := encodingLabel([]byte(tt.body), tt.contentType)
			if got != tt.want {
				t.Fatalf("encodingLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRewritePrologEncoding(t *testing.T) {
	got := string(rewritePrologEncoding([]byte(`<?xml version="1.0" encoding="ISO-8859-1"?><rss/>`)))
	if want := `<?xml version="1.0" encoding="UTF-8"?><rss/>`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
