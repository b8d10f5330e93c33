// Package cmd wires the uhcisim command line: a scripted workload runner
// on the simulated controller, plus configuration scaffolding.
package cmd

// LogOptions configures logging output.
type LogOptions struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"UHCISIM_LOG_LEVEL"`
	File    string `help:"Log file path (stdout/stderr when empty)" env:"UHCISIM_LOG_FILE"`
	BusFile string `help:"Raw bus payload log file" env:"UHCISIM_LOG_BUS_FILE"`
}

// CLI is the root command structure parsed by kong.
type CLI struct {
	// Config is read ahead of parsing so it can seed the resolver chain.
	Config string `help:"Path to a configuration file" env:"UHCISIM_CONFIG"`

	Log LogOptions `embed:"" prefix:"log."`

	Sim       Sim           `cmd:"" default:"withargs" help:"Run a transfer workload on the simulated controller"`
	ConfigCmd ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
