package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"galaxyctl/internal/app"
	"galaxyctl/internal/formatting"
	"galaxyctl/pkg/logging"
)

// newApplication bootstraps the controller from the global flags.
func newApplication(cmd *cobra.Command) (*app.Application, error) {
	cfg := app.NewConfig(debug, quiet, stateDir)
	cfg.Output = cmd.OutOrStdout()
	logging.SetConsole(cmd.ErrOrStderr(), isTerminal(cmd.ErrOrStderr()))
	return app.NewApplication(cfg)
}

// withApplication runs fn against a bootstrapped controller and releases
// the backends afterwards.
func withApplication(cmd *cobra.Command, fn func(a *app.Application) error) (err error) {
	a, err := newApplication(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// newFormatter creates the formatter selected by --output.
func newFormatter(cmd *cobra.Command) (formatting.Formatter, error) {
	format, err := formatting.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return formatting.NewFormatter(formatting.Options{
		Format: format,
		Quiet:  quiet,
		Color:  isTerminal(cmd.OutOrStdout()),
		Out:    cmd.OutOrStdout(),
	}), nil
}

// withSpinner shows a progress spinner on stderr while fn runs, unless
// quiet mode is enabled.
func withSpinner(suffix string, fn func() error) error {
	if quiet || !isTerminal(os.Stderr) {
		return fn()
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	err := fn()
	if err != nil {
		s.FinalMSG = text.FgRed.Sprint("✗ "+suffix) + "\n"
	}
	s.Stop()
	return err
}

// confirm asks a yes/no question on the terminal. Anything but y or yes
// is a no.
func confirm(prompt string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt + " [y/N] ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return false, fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer rl.Close()

	line, err := rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func isTerminal(v interface{}) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return readline.IsTerminal(int(f.Fd()))
}
