package provider

import (
	"testing"
)

func TestS3Provider_ImplementsProvider(t *testing.T) {
	var _ Provider = (*S3Provider)(nil)
	var _ Provider = (*MinioProvider)(nil)
}

func TestS3Provider_BuildKey(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		expect string
	}{
		{"", "test.txt", "test.txt"},
		{"", "/test.txt", "test.txt"},
		{"myprefix", "test.txt", "myprefix/test.txt"},
		{"myprefix/", "test.txt", "myprefix/test.txt"},
		{"myprefix", "/test.txt", "myprefix/test.txt"},
		{"myprefix/", "/test.txt", "myprefix/test.txt"},
		{"my/deep/prefix", "some/path.txt", "my/deep/prefix/some/path.txt"},
		{"my/deep/prefix/", "/some/path.txt", "my/deep/prefix/some/path.txt"},
		{"", "", ""},
		{"myprefix", "", "myprefix"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"+"+tt.path, func(t *testing.T) {
			p := &S3Provider{prefix: tt.prefix}
			actual := p.buildKey(tt.path)
			if actual != tt.expect {
				t.Errorf("buildKey(%q, %q) = %q; want %q", tt.prefix, tt.path, actual, tt.expect)
			}
		})
	}
}

func TestDirPrefix(t *testing.T) {
	tests := map[string]string{
		"":      "",
		"a":     "a/",
		"a/":    "a/",
		"a/b/c": "a/b/c/",
	}
	for in, want := range tests {
		if got := dirPrefix(in); got != want {
			t.Errorf("dirPrefix(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		host     string
		secure   bool
		wantErr  bool
	}{
		{"play.min.io", "play.min.io", true, false},
		{"http://localhost:9000", "localhost:9000", false, false},
		{"https://grid.example:443", "grid.example:443", true, false},
		{"", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			host, secure, err := splitEndpoint(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitEndpoint(%q) error = %v; wantErr %v", tt.endpoint, err, tt.wantErr)
			}
			if host != tt.host || secure != tt.secure {
				t.Errorf("splitEndpoint(%q) = %q, %v; want %q, %v", tt.endpoint, host, secure, tt.host, tt.secure)
			}
		})
	}
}
