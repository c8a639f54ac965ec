package rules

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Rule
		wantErr bool
	}{
		{"user-service:profile", Rule{Service: "user-service", Route: "profile"}, false},
		{"!user-service:ban", Rule{Service: "user-service", Route: "ban", Deny: true}, false},
		{"*:*", Rule{Service: "*", Route: "*"}, false},
		{"svc:admin/*", Rule{Service: "svc", Route: "admin/*"}, false},
		{"no-colon", Rule{}, true},
		{"", Rule{}, true},
		{"!", Rule{}, true},
		{":route", Rule{}, true},
		{"svc:", Rule{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		rule    string
		service string
		route   string
		want    bool
	}{
		{"user-service:profile", "user-service", "profile", true},
		{"user-service:profile", "user-service", "orders", false},
		{"user-service:profile", "other", "profile", false},
		{"*:profile", "anything", "profile", true},
		{"user-service:*", "user-service", "anything/nested", true},
		{"user-service:admin/*", "user-service", "admin/users", true},
		{"user-service:admin/*", "user-service", "admin", false},
		{"*:*", "svc", "route", true},
	}

	for _, tt := range tests {
		r, err := Parse(tt.rule)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.rule, err)
		}
		if got := r.Matches(tt.service, tt.route); got != tt.want {
			t.Errorf("%q.Matches(%q, %q) = %v, want %v", tt.rule, tt.service, tt.route, got, tt.want)
		}
	}
}

func TestDecide(t *testing.T) {
	mustParse := func(texts ...string) []Rule {
		parsed, invalid := ParseAll(texts)
		if len(invalid) > 0 {
			t.Fatalf("invalid rules: %v", invalid)
		}
		return parsed
	}

	tests := []struct {
		name    string
		rules   []Rule
		service string
		route   string
		want    Decision
	}{
		{"allow match", mustParse("user-service:*"), "user-service", "profile", DecisionAllow},
		{"no rules", nil, "user-service", "profile", DecisionDefaultDeny},
		{"no match", mustParse("other:*"), "user-service", "profile", DecisionDefaultDeny},
		{"deny wins over allow", mustParse("user-service:*", "!user-service:ban"), "user-service", "ban", DecisionDeny},
		{"deny wins regardless of order", mustParse("!user-service:ban", "user-service:*"), "user-service", "ban", DecisionDeny},
		{"wildcard allow", mustParse("*:*"), "svc", "anything", DecisionAllow},
		{"wildcard allow with explicit deny", mustParse("*:*", "!svc:secret"), "svc", "secret", DecisionDeny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.rules, tt.service, tt.route); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		service string
		route   string
	}{
		{"/user-service/profile", "user-service", "profile"},
		{"/user-service/admin/users", "user-service", "admin/users"},
		{"/user-service", "user-service", ""},
		{"/user-service/", "user-service", ""},
		{"/", "", ""},
		{"", "", ""},
		{"   ", "", ""},
	}

	for _, tt := range tests {
		service, route := SplitPath(tt.path)
		if service != tt.service || route != tt.route {
			t.Errorf("SplitPath(%q) = (%q, %q), want (%q, %q)",
				tt.path, service, route, tt.service, tt.route)
		}
	}
}
