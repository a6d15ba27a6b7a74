package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand splits an argument string without involving a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs checks operator supplied extra arguments. They may
// tune the encoder but must not add inputs or carry shell syntax.
func SanitizeAndValidateArgs(args []string) error {
	for _, arg := range args {
		if arg == "-i" || arg == "-y" || arg == "-n" {
			return fmt.Errorf("argument %s is managed by the extractor", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
