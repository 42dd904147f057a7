//go:build !debug

package stpropnci

// SetPassthrough emits the vendor CMD that toggles passthrough mode on
// the default Context. Only available in a production build, matching the
// source's guard around this entry point; see passthrough_debug.go for
// the debug-build stub.
func SetPassthrough() bool { return defaultContext.setPassthrough() }

// SetPassthrough is the Context method counterpart of the package-level
// function above.
func (c *Context) SetPassthrough() bool { return c.setPassthrough() }
