package pulse

import "testing"

func TestParseURL(t *testing.T) {
	cases := []struct {
		in     string
		scheme string
		host   string
		port   int
		path   string
	}{
		{"http://example.com", "http", "example.com", 80, "/"},
		{"https://example.com/a/b", "https", "example.com", 443, "/a/b"},
		{"http://example.com:8080/x", "http", "example.com", 8080, "/x"},
		{"ws://example.com/socket", "ws", "example.com", 80, "/socket"},
		{"wss://example.com", "wss", "example.com", 443, "/"},
		{"HTTP://EXAMPLE.com", "http", "example.com", 80, "/"},
	}
	for _, tc := range cases {
		got, err := ParseURL(tc.in)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", tc.in, err)
		}
		if got.Scheme != tc.scheme || got.Host != tc.host || got.Port != tc.port || got.Path != tc.path {
			t.Fatalf("ParseURL(%q) = %+v, want %s://%s:%d%s", tc.in, got, tc.scheme, tc.host, tc.port, tc.path)
		}
	}
}

func TestParseURLIDNAHost(t *testing.T) {
	got, err := ParseURL("http://bücher.example/")
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != "xn--bcher-kva.example" {
		t.Fatalf("host = %q, want punycode form", got.Host)
	}
}

func TestParseURLRejects(t *testing.T) {
	for _, in := range []string{
		"ftp://example.com",
		"http://",
		"http://example.com:99999/",
		"not a url",
	} {
		if _, err := ParseURL(in); err == nil {
			t.Fatalf("ParseURL(%q) succeeded, want error", in)
		}
	}
}

func TestHostHeaderOmitsDefaultPort(t *testing.T) {
	u, _ := ParseURL("https://example.com/")
	if got := u.HostHeader(); got != "example.com" {
		t.Fatalf("HostHeader = %q, want bare host on default port", got)
	}
	u, _ = ParseURL("https://example.com:8443/")
	if got := u.HostHeader(); got != "example.com:8443" {
		t.Fatalf("HostHeader = %q, want explicit port", got)
	}
}

func TestWithQueryEncoding(t *testing.T) {
	u, _ := ParseURL("http://example.com/search?q=base")
	u = u.WithQuery([]Param{
		{Key: "term", Value: "a b&c"},
		{Key: "term", Value: "second"},
		{Key: "safe~key", Value: "1.2-3_4"},
	})
	want := "q=base&term=a%20b%26c&term=second&safe~key=1.2-3_4"
	if u.Query != want {
		t.Fatalf("query = %q, want %q", u.Query, want)
	}
}

func TestPoolKeySharesWSWithHTTP(t *testing.T) {
	httpURL, _ := ParseURL("http://example.com/")
	wsURL, _ := ParseURL("ws://example.com/chat")
	if httpURL.Key("") != wsURL.Key("") {
		t.Fatal("ws origin does not share the http pool key")
	}

	httpsURL, _ := ParseURL("https://example.com/")
	wssURL, _ := ParseURL("wss://example.com/chat")
	if httpsURL.Key("") != wssURL.Key("") {
		t.Fatal("wss origin does not share the https pool key")
	}
}

func TestResolveLocation(t *testing.T) {
	base, _ := ParseURL("http://example.com/a/b?x=1")
	cases := []struct {
		ref  string
		want string
	}{
		{"/rooted", "http://example.com/rooted"},
		{"sibling", "http://example.com/a/sibling"},
		{"https://other.example/abs", "https://other.example/abs"},
		{"?y=2", "http://example.com/a/b?y=2"},
	}
	for _, tc := range cases {
		got, err := base.Resolve(tc.ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.ref, err)
		}
		if got.String() != tc.want {
			t.Fatalf("Resolve(%q) = %q, want %q", tc.ref, got.String(), tc.want)
		}
	}
}

func TestSameOrigin(t *testing.T) {
	a, _ := ParseURL("http://example.com/x")
	b, _ := ParseURL("http://example.com:80/y")
	c, _ := ParseURL("https://example.com/x")
	if !a.SameOrigin(b) {
		t.Fatal("default port treated as a different origin")
	}
	if a.SameOrigin(c) {
		t.Fatal("scheme change treated as same origin")
	}
}
