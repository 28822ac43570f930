package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiroq/fluentcap/internal/fileutil"
)

// Command names a user action sent from the CLI to the daemon.
type Command string

const (
	CmdDetails  Command = "details"  // args: name, email, age, gender
	CmdStart    Command = "start"    // start recording
	CmdStop     Command = "stop"     // stop recording
	CmdReset    Command = "reset"    // discard and re-arm
	CmdSelect   Command = "select"   // args: path
	CmdSubmit   Command = "submit"   // open the consent prompt
	CmdAccept   Command = "accept"   // consent given
	CmdDecline  Command = "decline"  // consent refused
	CmdRetry    Command = "retry"    // retry upload or polling
	CmdProvider Command = "provider" // args: id
	CmdNew      Command = "new"      // start a new analysis
	CmdQuit     Command = "quit"     // shut the daemon down
)

// Known reports whether c is a command the daemon understands.
func (c Command) Known() bool {
	switch c {
	case CmdDetails, CmdStart, CmdStop, CmdReset, CmdSelect, CmdSubmit,
		CmdAccept, CmdDecline, CmdRetry, CmdProvider, CmdNew, CmdQuit:
		return true
	}
	return false
}

// Envelope is the on-disk command format.
type Envelope struct {
	Cmd    Command           `json:"cmd"`
	Args   map[string]string `json:"args,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

// Arg returns a trimmed argument.
func (e *Envelope) Arg(name string) string {
	return strings.TrimSpace(e.Args[name])
}

// required lists the arguments each command must carry.
var required = map[Command][]string{
	CmdDetails:  {"name", "email", "age", "gender"},
	CmdSelect:   {"path"},
	CmdProvider: {"id"},
}

// Validate checks the command name and its required arguments.
func (e *Envelope) Validate() error {
	if !e.Cmd.Known() {
		return fmt.Errorf("unknown command %q", e.Cmd)
	}
	for _, a := range required[e.Cmd] {
		if e.Arg(a) == "" {
			return fmt.Errorf("command %s requires %q", e.Cmd, a)
		}
	}
	return nil
}

// DefaultDir is ~/.cache/fluentcap.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "fluentcap")
}

// CommandPath is the command file inside dir.
func CommandPath(dir string) string { return filepath.Join(dir, "cmd.json") }

// WriteCommand validates and writes a command to dir/cmd.json.
func WriteCommand(dir string, cmd Command, args map[string]string) error {
	env := Envelope{Cmd: cmd, Args: args, SentAt: time.Now().UTC()}
	if err := env.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(CommandPath(dir), data, 0644)
}

// ReadCommand reads and clears dir/cmd.json. It returns nil when no command
// is pending. Malformed or unknown commands are cleared and reported as an
// error so they are not re-read.
func ReadCommand(dir string) (*Envelope, error) {
	path := CommandPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	// Clear immediately to prevent re-execution.
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
