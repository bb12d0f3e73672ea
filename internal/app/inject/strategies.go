package inject

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/atotto/clipboard"

	"github.com/deskpilot/deskpilot/internal/app/adapter"
)

// Method names one injection strategy.
type Method string

const (
	// MethodCDPEval evaluates a type-and-submit expression in the renderer.
	MethodCDPEval Method = "cdp-eval"
	// MethodCDPPaste focuses the prompt, inserts text at the input domain,
	// and submits.
	MethodCDPPaste Method = "cdp-paste"
	// MethodOSKeys sends keystrokes to the top-level window via the platform
	// automation tool.
	MethodOSKeys Method = "os-keys"
	// MethodTmux sends the text to a terminal-multiplexer pane.
	MethodTmux Method = "tmux"
	// MethodGUIScript drives scripted GUI automation.
	MethodGUIScript Method = "gui-script"
	// MethodClipboard places the text on the clipboard; delivery needs the
	// assistant window focused.
	MethodClipboard Method = "clipboard"
)

// Strategy is one way of delivering text to the active conversation.
type Strategy interface {
	Method() Method
	Available() bool
	Send(ctx context.Context, text string) error
}

// fallbackOrder lists strategies by priority for the current platform.
func fallbackOrder() []Method {
	switch runtime.GOOS {
	case "darwin":
		return []Method{MethodCDPEval, MethodCDPPaste, MethodOSKeys, MethodTmux, MethodGUIScript, MethodClipboard}
	case "windows":
		return []Method{MethodCDPEval, MethodCDPPaste, MethodOSKeys, MethodTmux, MethodClipboard}
	default:
		return []Method{MethodCDPEval, MethodCDPPaste, MethodOSKeys, MethodTmux, MethodGUIScript, MethodClipboard}
	}
}

type cdpEvalStrategy struct {
	client adapter.Client
}

func (s *cdpEvalStrategy) Method() Method { return MethodCDPEval }
func (s *cdpEvalStrategy) Available() bool { return s.client != nil }
func (s *cdpEvalStrategy) Send(ctx context.Context, text string) error {
	return s.client.TypeAndSubmit(ctx, text)
}

type cdpPasteStrategy struct {
	client adapter.Client
}

func (s *cdpPasteStrategy) Method() Method { return MethodCDPPaste }
func (s *cdpPasteStrategy) Available() bool { return s.client != nil }
func (s *cdpPasteStrategy) Send(ctx context.Context, text string) error {
	if err := s.client.Focus(ctx); err != nil {
		return err
	}
	if err := s.client.InsertText(ctx, text); err != nil {
		return err
	}
	return s.client.SubmitPrompt(ctx)
}

type osKeysStrategy struct{}

func (s *osKeysStrategy) Method() Method { return MethodOSKeys }

func (s *osKeysStrategy) Available() bool {
	switch runtime.GOOS {
	case "darwin":
		return commandExists("osascript")
	case "linux":
		return commandExists("xdotool")
	default:
		return false
	}
}

func (s *osKeysStrategy) Send(ctx context.Context, text string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`tell application "System Events" to keystroke %q & return`, text)
		return runCommand(ctx, "osascript", "-e", script)
	case "linux":
		if err := runCommand(ctx, "xdotool", "type", "--delay", "10", text); err != nil {
			return err
		}
		return runCommand(ctx, "xdotool", "key", "Return")
	default:
		return fmt.Errorf("os key-send unsupported on %s", runtime.GOOS)
	}
}

type tmuxStrategy struct {
	target string
}

func (s *tmuxStrategy) Method() Method { return MethodTmux }

func (s *tmuxStrategy) Available() bool {
	return s.target != "" && commandExists("tmux")
}

func (s *tmuxStrategy) Send(ctx context.Context, text string) error {
	if err := runCommand(ctx, "tmux", "send-keys", "-t", s.target, "-l", text); err != nil {
		return err
	}
	return runCommand(ctx, "tmux", "send-keys", "-t", s.target, "Enter")
}

type guiScriptStrategy struct{}

func (s *guiScriptStrategy) Method() Method { return MethodGUIScript }

func (s *guiScriptStrategy) Available() bool {
	switch runtime.GOOS {
	case "darwin":
		return commandExists("osascript")
	case "linux":
		return commandExists("xdotool") && !clipboard.Unsupported
	default:
		return false
	}
}

func (s *guiScriptStrategy) Send(ctx context.Context, text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return err
	}
	switch runtime.GOOS {
	case "darwin":
		script := `tell application "System Events" to keystroke "v" using command down
tell application "System Events" to keystroke return`
		return runCommand(ctx, "osascript", "-e", script)
	case "linux":
		if err := runCommand(ctx, "xdotool", "key", "ctrl+v"); err != nil {
			return err
		}
		return runCommand(ctx, "xdotool", "key", "Return")
	default:
		return fmt.Errorf("gui automation unsupported on %s", runtime.GOOS)
	}
}

type clipboardStrategy struct{}

func (s *clipboardStrategy) Method() Method { return MethodClipboard }
func (s *clipboardStrategy) Available() bool { return !clipboard.Unsupported }

// Send places the text on the clipboard. Delivery depends on the assistant
// window holding focus, which the engine cannot guarantee here.
func (s *clipboardStrategy) Send(_ context.Context, text string) error {
	return clipboard.WriteAll(text)
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, string(out))
	}
	return nil
}
