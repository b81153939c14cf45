package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// Validator is a group of configuration which checks itself, once the INI
// file, environment bindings and flags have all been applied.
type Validator interface {
	Validate() error
}

// ConfigError is an INI file which failed to parse, or a configuration which
// failed validation.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return "invalid configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigDirs returns the directories searched for an INI file, in order:
//   - $PERFSTORE_CONFIG_DIR, if set.
//   - The current working directory.
//   - ~/.config/perfstore, under $HOME or %UserProfile%.
func ConfigDirs() []string {
	var dirs []string
	if d := os.Getenv("PERFSTORE_CONFIG_DIR"); d != "" {
		dirs = append(dirs, d)
	}
	dirs = append(dirs, ".")

	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			dirs = append(dirs, filepath.Join(home, ".config", "perfstore"))
		}
	}
	return dirs
}

// ParseConfig parses the Parser from the first INI file named |configName|
// within |dirs|, then from environment bindings and |args|. Each of |groups|
// is validated before the selected command executes, save for print-config,
// which runs regardless so that a broken configuration can be inspected.
// It returns the INI file which was read, if any.
func ParseConfig(parser *flags.Parser, configName string, dirs, args []string, groups ...Validator) (string, error) {
	var path, err = parseINI(parser, configName, dirs)
	if err != nil {
		return "", err
	}

	var handler = parser.CommandHandler
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if _, ok := cmd.(*printConfig); !ok {
			for _, g := range groups {
				if err := g.Validate(); err != nil {
					return &ConfigError{Err: err}
				}
			}
		}
		if handler != nil {
			return handler(cmd, args)
		} else if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}
	defer func() { parser.CommandHandler = handler }()

	_, err = parser.ParseArgs(args)
	return path, err
}

func parseINI(parser *flags.Parser, configName string, dirs []string) (string, error) {
	// INI files may hold options of commands other than the selected one.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var ini = flags.NewIniParser(parser)

	for _, dir := range dirs {
		var path = filepath.Join(dir, configName)

		if err := ini.ParseFile(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", &ConfigError{Err: errors.WithMessagef(err, "parsing %s", path)}
		}
	}
	return "", nil
}

// MustParseConfig parses the Parser from ConfigDirs and the process arguments,
// and runs the selected command. It exits the process if configuration fails
// to parse or validate, and panics if the command fails.
func MustParseConfig(parser *flags.Parser, configName string, groups ...Validator) {
	var _, err = ParseConfig(parser, configName, ConfigDirs(), os.Args[1:], groups...)
	if err == nil {
		return
	}

	var cfgErr *ConfigError
	var flagErr *flags.Error

	if errors.As(err, &cfgErr) {
		fmt.Fprintln(os.Stderr, cfgErr)
		os.Exit(1)
	} else if !errors.As(err, &flagErr) {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The config struct itself is broken.
		panic(err)

	case flags.ErrCommandRequired, flags.ErrHelp:
		if flagErr.Type == flags.ErrCommandRequired || parser.Options&flags.PrintErrors == 0 {
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)

	default:
		// go-flags has already printed the problem of input.
		os.Exit(1)
	}
}

// AddPrintConfigCmd adds a "print-config" command, which writes the
// combined configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
The configuration is printed even if it's invalid.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
