//go:build debug

package stpropnci

// SetPassthrough is not available in a debug build: passthrough is meant
// to let a production host bypass this module's translation entirely,
// which would defeat the purpose of a debug build built to exercise it.
func SetPassthrough() bool { return false }

// SetPassthrough is the Context method counterpart of the package-level
// function above.
func (c *Context) SetPassthrough() bool { return false }
