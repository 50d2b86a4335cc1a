package app

import "testing"

func TestNewCommand(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		parameters string
		mutating   bool
	}{
		{
			name:       "with parameters",
			command:    "Backup",
			parameters: "/home/user/docs",
			mutating:   true,
		},
		{
			name:       "empty parameters",
			command:    "List",
			parameters: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCommand(tt.command, tt.parameters, tt.mutating)

			if c.Name != tt.command {
				t.Errorf("Name = %q, want %q", c.Name, tt.command)
			}
			if c.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", c.Parameters, tt.parameters)
			}
			if c.Mutating != tt.mutating {
				t.Errorf("Mutating = %v, want %v", c.Mutating, tt.mutating)
			}
			if c.Status != "success" {
				t.Errorf("Status = %q, want %q", c.Status, "success")
			}
		})
	}
}

func TestCommand_NeedsShadow(t *testing.T) {
	tests := []struct {
		name     string
		mutating bool
		fail     bool
		want     bool
	}{
		{name: "read-only command", mutating: false, want: false},
		{name: "successful mutating command", mutating: true, want: true},
		{name: "failed mutating command", mutating: true, fail: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCommand("Backup", "", tt.mutating)
			if tt.fail {
				c.Fail()
			}
			if got := c.NeedsShadow(); got != tt.want {
				t.Errorf("NeedsShadow() = %v, want %v", got, tt.want)
			}
		})
	}
}
