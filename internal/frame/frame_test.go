package frame

import (
	"strings"
	"testing"

	"github.com/getsentry/stacksampler/internal/testutil"
)

func frameType(isApplication bool) string {
	if isApplication {
		return "application"
	}
	return "system"
}

func TestIsApplicationFrame(t *testing.T) {
	tests := []struct {
		name          string
		identifier    Identifier
		isApplication bool
	}{
		{
			name:          "empty",
			identifier:    Identifier{},
			isApplication: false,
		},
		{
			name:          "app",
			identifier:    Identifier{Function: "main", File: "/home/user/app/app.py", Line: 1},
			isApplication: true,
		},
		{
			name:          "go app",
			identifier:    Identifier{Function: "main.run", File: "/home/user/app/cmd/app/main.go", Line: 12},
			isApplication: true,
		},
		{
			name:          "site-packages unix",
			identifier:    Identifier{Function: "urlopen", File: "/usr/local/lib/python3.10/site-packages/urllib3/request.py"},
			isApplication: false,
		},
		{
			name:          "site-packages dos",
			identifier:    Identifier{Function: "urlopen", File: "C:\\Users\\user\\AppData\\Local\\Programs\\Python\\Python310\\lib\\site-packages\\urllib3\\request.py"},
			isApplication: false,
		},
		{
			name:          "dist-packages unix",
			identifier:    Identifier{Function: "urlopen", File: "/usr/local/lib/python3.10/dist-packages/urllib3/request.py"},
			isApplication: false,
		},
		{
			name:          "python stdlib",
			identifier:    Identifier{Function: "loads", File: "/usr/lib/python3.11/json/__init__.py"},
			isApplication: false,
		},
		{
			name:          "go module cache",
			identifier:    Identifier{Function: "zerolog.(*Event).Msg", File: "/root/go/pkg/mod/github.com/rs/zerolog@v1.26.1/event.go"},
			isApplication: false,
		},
		{
			name:          "vendored",
			identifier:    Identifier{Function: "lz4.(*Writer).Write", File: "/src/app/vendor/github.com/pierrec/lz4/v4/writer.go"},
			isApplication: false,
		},
		{
			name:          "builtin",
			identifier:    Identifier{Function: "len", File: BuiltinFile},
			isApplication: false,
		},
		{
			name:          "synthetic",
			identifier:    Identifier{Function: SelfTimeIdentifier},
			isApplication: false,
		},
		{
			name:          "thread",
			identifier:    ParseIdentifier(ThreadIdentifier("MainThread", 1)),
			isApplication: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identifier.IsApplicationFrame(); got != tt.isApplication {
				t.Fatalf(
					"%s frame is detected as %s",
					frameType(tt.isApplication),
					frameType(got),
				)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	identifier := NewIdentifier("handle", "/srv/app/views.py", 42)
	tests := []struct {
		name       string
		attributes []string
	}{
		{"no attributes", nil},
		{"line", []string{LineAttribute(44)}},
		{"all markers", []string{ClassNameAttribute("View"), LineAttribute(44), HideAttribute()}},
		{"empty attribute", []string{""}},
		{"two empty attributes", []string{"", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Encode(identifier, tt.attributes)
			gotIdentifier, gotAttributes := Decode(info)
			if gotIdentifier != identifier {
				t.Fatalf("identifier = %q, want %q", gotIdentifier, identifier)
			}
			if diff := testutil.Diff(gotAttributes, tt.attributes); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			if got := IdentifierOnly(info); got != identifier {
				t.Fatalf("IdentifierOnly() = %q, want %q", got, identifier)
			}
		})
	}
}

func TestEncodeWithoutAttributesIsIdentifier(t *testing.T) {
	identifier := NewIdentifier("f", "a.go", 1)
	if got := Encode(identifier, nil); got != identifier {
		t.Fatalf("Encode() = %q, want %q", got, identifier)
	}
	if strings.Contains(identifier, AttributesSeparator) {
		t.Fatal("identifier must not contain the attributes separator")
	}
}

func TestParse(t *testing.T) {
	info := Encode(
		NewIdentifier("get", "/srv/app/views.py", 10),
		[]string{ClassNameAttribute("UserView"), LineAttribute(17), HideAttribute(), "zunknown"},
	)
	want := Info{
		Identifier:  Identifier{Function: "get", File: "/srv/app/views.py", Line: 10},
		ClassName:   "UserView",
		CurrentLine: 17,
		Hidden:      true,
	}
	if diff := testutil.Diff(Parse(info), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if !HasAttribute(info, MarkerHide) {
		t.Fatal("expected hide attribute")
	}
	if HasAttribute(NewIdentifier("get", "/srv/app/views.py", 10), MarkerHide) {
		t.Fatal("identifier without attributes has no hide attribute")
	}
}

func TestParseIdentifierSynthetic(t *testing.T) {
	id := ParseIdentifier(AwaitIdentifier)
	if !id.IsSynthetic() {
		t.Fatal("expected synthetic identifier")
	}
	if id.String() != AwaitIdentifier {
		t.Fatalf("String() = %q, want %q", id.String(), AwaitIdentifier)
	}
}

func TestIsImportMachinery(t *testing.T) {
	tests := []struct {
		identifier Identifier
		want       bool
	}{
		{Identifier{Function: "_call_with_frames_removed", File: "<frozen importlib._bootstrap>"}, true},
		{Identifier{Function: "exec_module", File: "<frozen importlib._bootstrap_external>"}, true},
		{Identifier{Function: "runtime.doInit1", File: "/usr/local/go/src/runtime/proc.go"}, true},
		{Identifier{Function: "main.init", File: "/srv/app/main.go"}, false},
	}
	for _, tt := range tests {
		if got := tt.identifier.IsImportMachinery(); got != tt.want {
			t.Errorf("IsImportMachinery(%v) = %v, want %v", tt.identifier, got, tt.want)
		}
	}
}
