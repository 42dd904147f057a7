package stpropnci

import "stpropnci.dev/nci/diag"

// defaultContext backs the package-level API, per spec.md §9's "a library
// with exactly one active context per process" design note. Embedders
// needing more than one instance use NewContext/Context directly.
var defaultContext = NewContext()

// Init is the package-level entry point over the default Context.
func Init(logLevel int, out Outbound) bool { return defaultContext.Init(logLevel, out) }

// ChangeLogLevel is the package-level entry point over the default Context.
func ChangeLogLevel(level int) { defaultContext.ChangeLogLevel(level) }

// ConfigSettings is the package-level entry point over the default Context.
func ConfigSettings(cfg Config) { defaultContext.ConfigSettings(cfg) }

// Deinit is the package-level entry point over the default Context.
func Deinit() { defaultContext.Deinit() }

// Process is the package-level entry point over the default Context.
func Process(dirFromUpper bool, payload []byte) bool {
	return defaultContext.Process(dirFromUpper, payload)
}

// Inform is the package-level entry point over the default Context.
func Inform(dirFromUpper bool, payload []byte) { defaultContext.Inform(dirFromUpper, payload) }

// Dump is the package-level entry point over the default Context.
func Dump() (diag.Snapshot, error) { return defaultContext.Dump() }
