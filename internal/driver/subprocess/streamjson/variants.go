package streamjson

// NewClaude builds the Converter for Claude Code: a long-lived process
// reading stream-json on stdin and writing it on stdout.
func NewClaude() Converter {
	return Converter{
		ExtraArgv:          []string{"--print", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"},
		ModelFlag:          "--model",
		PermissionModeFlag: "--permission-mode",
		ContinueFlag:       "--resume",
		Restart:            false,
	}
}

// NewAmp builds the Converter for Amp: one process per prompt turn,
// carrying the prior native session id forward via --continue (§4.4.1).
func NewAmp() Converter {
	return Converter{
		ExtraArgv:    []string{"--stream-json"},
		ContinueFlag: "--continue",
		Restart:      true,
	}
}
