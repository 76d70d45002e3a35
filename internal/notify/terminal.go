package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/joescharf/wake/internal/models"
	"github.com/joescharf/wake/internal/output"
)

// TerminalNotifier rings in the controlling terminal and reads the answer
// from standard input.
type TerminalNotifier struct {
	UI *output.UI
	In io.Reader
	// IsTerminal decides whether alerts may be shown. Defaults to a TTY check
	// on stdin.
	IsTerminal func() bool

	once  sync.Once
	lines chan string
}

// NewTerminalNotifier creates a notifier bound to the process's stdio.
func NewTerminalNotifier(ui *output.UI) *TerminalNotifier {
	return &TerminalNotifier{UI: ui, In: os.Stdin}
}

func (n *TerminalNotifier) Name() string { return "terminal" }

func (n *TerminalNotifier) Permission(_ context.Context) (bool, error) {
	if n.IsTerminal != nil {
		return n.IsTerminal(), nil
	}
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd), nil
}

func (n *TerminalNotifier) ShowAlert(ctx context.Context, a Alert) (Selection, error) {
	n.once.Do(n.startReader)

	n.UI.Warning("\a%s  %s", output.Red(a.Title), a.Body)
	if a.Challenge != "" {
		n.UI.Info("challenge before dismiss: %s", a.Challenge)
	}
	prompt := make([]string, 0, len(a.Actions))
	for _, act := range a.Actions {
		prompt = append(prompt, fmt.Sprintf("[%c]%s", act[0], act[1:]))
	}
	n.UI.Info("%s ?", strings.Join(prompt, " "))

	for {
		select {
		case <-ctx.Done():
			return Selection{}, ctx.Err()
		case line, ok := <-n.lines:
			if !ok {
				return Selection{}, errors.New("terminal input closed")
			}
			act, err := ParseAction(strings.ToLower(strings.TrimSpace(line)))
			if err != nil || !a.Offers(act) {
				n.UI.Warning("choose one of: %s", strings.Join(prompt, " "))
				continue
			}
			return Selection{SessionID: a.SessionID, Action: act, Method: models.MethodNotification}, nil
		}
	}
}

// startReader owns the input stream for the notifier's lifetime so a
// withdrawn alert does not leave a reader behind.
func (n *TerminalNotifier) startReader() {
	n.lines = make(chan string)
	go func() {
		defer close(n.lines)
		sc := bufio.NewScanner(n.In)
		for sc.Scan() {
			n.lines <- sc.Text()
		}
	}()
}
