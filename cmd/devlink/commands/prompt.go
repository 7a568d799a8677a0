package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/openfroyo/devlink/pkg/transports/ssh"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// terminalResponder answers keyboard-interactive prompts on the controlling
// terminal. Secret prompts are read without echo. End of input cancels the
// prompt.
func terminalResponder(in *os.File, out io.Writer) ssh.Responder {
	reader := bufio.NewReader(in)

	return func(p ssh.Prompt) (string, error) {
		if p.Instruction != "" {
			fmt.Fprintln(out, p.Instruction)
		}
		fmt.Fprint(out, p.Text)

		if p.Secret && isTerminal(in) {
			answer, err := term.ReadPassword(int(in.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return "", ssh.ErrPromptCancelled
			}
			return string(answer), nil
		}

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", ssh.ErrPromptCancelled
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}
