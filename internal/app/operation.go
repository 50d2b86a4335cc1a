package app

// Command tracks the CLI command an App was opened for. Handlers record
// their own operations in the database; the App only needs to know whether
// the command changed anything worth shadowing to the backend.
type Command struct {
	Name       string
	Parameters string
	Mutating   bool
	Status     string // "success" or "error"
}

// NewCommand creates a command that is assumed to succeed until Fail is called.
func NewCommand(name, parameters string, mutating bool) *Command {
	return &Command{
		Name:       name,
		Parameters: parameters,
		Mutating:   mutating,
		Status:     "success",
	}
}

// Fail marks the command as failed.
func (c *Command) Fail() {
	c.Status = "error"
}

// NeedsShadow reports whether a fresh database shadow should be uploaded
// when the App closes.
func (c *Command) NeedsShadow() bool {
	return c.Mutating && c.Status == "success"
}
